package decoder

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/smallbiznis/meterline/internal/queue"
	"go.uber.org/zap"
)

// notification is the object-store event schema. Only the key matters.
type notification struct {
	Object struct {
		Key string `json:"key"`
	} `json:"object"`
}

// Worker adapts the decoder to the notification stream. Messages are
// independent archives, so the batch is processed concurrently.
type Worker struct {
	dec *Decoder
	log *zap.Logger
}

func NewWorker(dec *Decoder, log *zap.Logger) *Worker {
	return &Worker{dec: dec, log: log.Named("decoder.worker")}
}

func (w *Worker) Handle(ctx context.Context, msgs []queue.Message) []queue.Disposition {
	dispositions := make([]queue.Disposition, len(msgs))

	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(i int, msg queue.Message) {
			defer wg.Done()
			dispositions[i] = w.handleOne(ctx, msg)
		}(i, msg)
	}
	wg.Wait()

	return dispositions
}

func (w *Worker) handleOne(ctx context.Context, msg queue.Message) queue.Disposition {
	var event notification
	if err := json.Unmarshal(msg.Body, &event); err != nil || event.Object.Key == "" {
		// Redelivery cannot repair a malformed notification.
		w.log.Warn("malformed notification dropped",
			zap.String("message_id", msg.ID), zap.Error(err))
		return queue.Ack
	}

	if _, err := w.dec.Process(ctx, event.Object.Key); err != nil {
		w.log.Error("archive processing failed, will retry",
			zap.String("object_key", event.Object.Key), zap.Error(err))
		return queue.Retry
	}
	return queue.Ack
}
