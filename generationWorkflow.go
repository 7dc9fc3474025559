package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"sync"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
	"bitbucket.org/mmdatafocus/valuation_backend/utils"
	"bitbucket.org/mmdatafocus/valuation_backend/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	businessMutexMap = make(map[string]*sync.Mutex)
	globalMutex      = &sync.Mutex{}
)

// RunGenerationWorkflow starts the pull consumer for generation job messages.
// Jobs of the same business serialize on an in-process mutex; cross-instance
// safety comes from the DB-backed idempotency keys, not from the mutex.
func RunGenerationWorkflow() error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_GENERATION_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_GENERATION_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Rendering is disk and CPU heavy; keep the in-flight window small.
	sub.ReceiveSettings.MaxOutstandingMessages = 4

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.GenerationJobMessage{}
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			config.LogError(logger, "generationWorkflow.go", "RunGenerationWorkflow", "Unmarshaling pubsub message", msg.Data, err)
			// Poisoned payload: ack so it does not loop forever.
			msg.Ack()
			return
		}
		if m.BusinessId == "" || m.GenerationJobId <= 0 {
			config.LogError(logger, "generationWorkflow.go", "RunGenerationWorkflow", "Invalid pubsub message", m,
				errors.New("business_id/generation_job_id required"))
			msg.Ack()
			return
		}

		// Get or create the mutex for the current BusinessId
		globalMutex.Lock()
		mutex, exists := businessMutexMap[m.BusinessId]
		if !exists {
			mutex = &sync.Mutex{}
			businessMutexMap[m.BusinessId] = mutex
		}
		globalMutex.Unlock()

		mutex.Lock()
		defer mutex.Unlock()

		ctx = utils.SetBusinessIdInContext(ctx, m.BusinessId)
		ctx = utils.SetUserIdInContext(ctx, 0)
		ctx = utils.SetUserNameInContext(ctx, "System")
		if err := ProcessGenerationMessage(ctx, logger, m, msg.ID); err != nil {
			logger.WithFields(logrus.Fields{
				"field":             "GenerationWorkflow",
				"business_id":       m.BusinessId,
				"generation_job_id": m.GenerationJobId,
				"message_id":        msg.ID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil {
			config.LogError(logger, "generationWorkflow.go", "RunGenerationWorkflow", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}

// ProcessGenerationMessage wraps the generation job in durable idempotency:
// a delivery whose triple already SUCCEEDED is acked without any work.
func ProcessGenerationMessage(ctx context.Context, logger *logrus.Logger, m config.GenerationJobMessage, messageId string) error {
	db := config.GetDB()
	if messageId == "" {
		messageId = strconv.Itoa(m.GenerationJobId)
	}

	var skip bool
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		skip, err = workflow.BeginIdempotency(tx.WithContext(ctx), m.BusinessId, workflow.GenerationHandlerName, messageId)
		return err
	})
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	// The job itself manages its own transaction pair (process + failure
	// recording), so idempotency outcome is recorded afterwards.
	jobErr := workflow.RunGenerationJob(ctx, db, logger, m)

	markErr := db.Transaction(func(tx *gorm.DB) error {
		if jobErr != nil {
			return workflow.MarkIdempotencyFailed(tx.WithContext(ctx), m.BusinessId, workflow.GenerationHandlerName, messageId, jobErr)
		}
		return workflow.MarkIdempotencySucceeded(tx.WithContext(ctx), m.BusinessId, workflow.GenerationHandlerName, messageId)
	})
	if jobErr != nil {
		return jobErr
	}
	return markErr
}
