package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunConvertStage_Skipped(t *testing.T) {
	runner := func(ctx context.Context, inv ToolInvocation) error {
		return ErrToolNotFound
	}
	outcome := runConvertStage(context.Background(), testLogger(), "/tmp/doc.docx", runner)
	if outcome.Status != ConversionSkipped {
		t.Fatalf("status = %s, want Skipped", outcome.Status)
	}
}

func TestRunConvertStage_Failed(t *testing.T) {
	runner := func(ctx context.Context, inv ToolInvocation) error {
		return &ToolExecutionError{Tool: "soffice", ExitCode: 1}
	}
	outcome := runConvertStage(context.Background(), testLogger(), "/tmp/doc.docx", runner)
	if outcome.Status != ConversionFailed {
		t.Fatalf("status = %s, want Failed", outcome.Status)
	}
}

func TestRunConvertStage_Generated(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "main.docx")
	if err := os.WriteFile(docPath, []byte("doc"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := func(ctx context.Context, inv ToolInvocation) error {
		// The real converter writes <name>.pdf next to the input.
		return os.WriteFile(filepath.Join(dir, "main.pdf"), []byte("pdf"), 0o644)
	}
	outcome := runConvertStage(context.Background(), testLogger(), docPath, runner)
	if outcome.Status != ConversionGenerated {
		t.Fatalf("status = %s, want Generated", outcome.Status)
	}
	if outcome.PdfPath != filepath.Join(dir, "main.pdf") {
		t.Fatalf("pdf path = %s", outcome.PdfPath)
	}
}

func TestRunConvertStage_ZeroExitWithoutOutputIsFailed(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "main.docx")
	if err := os.WriteFile(docPath, []byte("doc"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := func(ctx context.Context, inv ToolInvocation) error { return nil }
	outcome := runConvertStage(context.Background(), testLogger(), docPath, runner)
	if outcome.Status != ConversionFailed {
		t.Fatalf("status = %s, want Failed", outcome.Status)
	}
}

func TestRunConvertStage_SerializesInvocations(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "main.docx")
	if err := os.WriteFile(docPath, []byte("doc"), 0o644); err != nil {
		t.Fatal(err)
	}

	var inFlight int32
	var maxInFlight int32
	runner := func(ctx context.Context, inv ToolInvocation) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if n <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return ErrToolNotFound
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runConvertStage(context.Background(), testLogger(), docPath, runner)
		}()
	}
	wg.Wait()

	// Default PDF_CONVERT_CONCURRENCY is 1.
	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Fatalf("max in-flight invocations = %d, want 1", got)
	}
}
