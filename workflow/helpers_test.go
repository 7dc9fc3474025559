package workflow

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeNonZip(path string) error {
	return os.WriteFile(path, []byte("this is not a zip container"), 0o644)
}
