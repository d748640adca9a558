// Package worker consumes the durable queue: it claims batches of
// conversations, drives the attachment processor per attachment, and
// acknowledges items once every attachment has reached a terminal state.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"attachsync/pkg/apierrors"
	"attachsync/pkg/logger"
	"attachsync/pkg/missive"
	"attachsync/pkg/processor"
	"attachsync/pkg/queue"
	"attachsync/pkg/state"
)

// MessageLister is the slice of the Missive client the worker needs.
type MessageLister interface {
	ListConversationMessages(ctx context.Context, conversationID string) ([]missive.Message, error)
}

// AttachmentProcessor downloads one attachment and returns its local path.
type AttachmentProcessor interface {
	Process(ctx context.Context, rec state.Record) (string, error)
}

// Worker is one queue consumer loop. Several workers may run against the
// same queue and state store; all claims are atomic conditional operations.
type Worker struct {
	queue      queue.Queue
	client     MessageLister
	store      *state.Store
	processor  AttachmentProcessor
	classifier processor.Classifier
	batchSize  int
	idleSleep  time.Duration
	logger     logger.Logger
}

// New creates a Worker.
func New(q queue.Queue, client MessageLister, store *state.Store, proc AttachmentProcessor, classifier processor.Classifier, batchSize int, idleSleep time.Duration, log logger.Logger) *Worker {
	return &Worker{
		queue:      q,
		client:     client,
		store:      store,
		processor:  proc,
		classifier: classifier,
		batchSize:  batchSize,
		idleSleep:  idleSleep,
		logger:     log,
	}
}

// Run consumes the queue until the context is cancelled. Cancellation is
// observed between items, never mid-download.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		default:
		}

		processed := w.runBatch(ctx)
		if processed == 0 {
			w.idle(ctx)
		}
	}
}

// runBatch claims and processes one batch. One item's failure never blocks
// or poisons the others: it is converted into a retry transition right here.
func (w *Worker) runBatch(ctx context.Context) int {
	batch, err := w.queue.DequeueBatch(w.batchSize)
	if err != nil {
		w.logger.WithError(err).Error("failed to dequeue batch")
		return 0
	}
	if len(batch) == 0 {
		return 0
	}

	processed := 0
	for _, item := range batch {
		if ctx.Err() != nil {
			// Unprocessed claims are healed later by the reclaim sweep.
			break
		}

		if err := w.processItem(ctx, item); err != nil {
			w.logger.WithError(err).WithField("external_id", item.ExternalID).
				Error("conversation processing failed")
			if err := w.queue.MarkFailed(item, apierrors.Truncate(err.Error(), 500)); err != nil {
				w.logger.WithError(err).Error("failed to mark queue item failed")
			}
			continue
		}
		processed++
	}

	if err := w.queue.MarkBatchProcessed(batch); err != nil {
		w.logger.WithError(err).Error("failed to acknowledge batch")
	}
	return processed
}

// processItem registers a conversation's attachments and drives each one to
// a terminal state. A non-nil return sends the item to retry with backoff.
func (w *Worker) processItem(ctx context.Context, item queue.Item) error {
	w.logger.InfoWithFields("processing conversation", map[string]interface{}{
		"external_id": item.ExternalID,
	})

	if err := w.registerAttachments(ctx, item); err != nil {
		return err
	}

	recs, err := w.store.GetByConversation(item.ExternalID)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if state.Terminal(rec.Status) {
			continue
		}
		w.processAttachment(ctx, rec)
	}

	// The item is done only when every attachment is terminal; anything
	// still pending (a lost claim race, a transient failure) keeps the
	// conversation in the queue for the next cycle.
	recs, err = w.store.GetByConversation(item.ExternalID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !state.Terminal(rec.Status) {
			return fmt.Errorf("attachment %s not terminal (status %s)", rec.AttachmentID, rec.Status)
		}
	}

	return nil
}

// registerAttachments re-fetches the conversation's messages and inserts a
// pending record per attachment. Payload URLs may already be stale; the
// fetch gives the processor a current starting point.
func (w *Worker) registerAttachments(ctx context.Context, item queue.Item) error {
	var conv missive.Conversation
	if len(item.Payload) > 0 {
		// Malformed payloads are survivable; the re-fetch supplies the rest.
		_ = json.Unmarshal(item.Payload, &conv)
	}

	project := ""
	if conv.Team != nil {
		project = conv.Team.Name
	}

	messages, err := w.client.ListConversationMessages(ctx, item.ExternalID)
	if err != nil {
		return fmt.Errorf("fetching messages for %s: %w", item.ExternalID, err)
	}

	for _, msg := range messages {
		subject := msg.Subject
		if subject == "" {
			subject = conv.Subject
		}

		var senderName, senderAddress string
		if msg.From != nil {
			senderName = msg.From.Name
			senderAddress = msg.From.Address
		}

		for _, att := range msg.Attachments {
			if att.ID == "" {
				continue
			}
			rec := state.Record{
				AttachmentID:     att.ID,
				MessageID:        msg.ID,
				ConversationID:   item.ExternalID,
				OriginalFilename: att.Filename,
				OriginalURL:      att.URL,
				MediaType:        att.MediaType,
				SubType:          att.SubType,
				Size:             att.Size,
				Width:            att.Width,
				Height:           att.Height,
				Project:          project,
				SenderName:       senderName,
				SenderAddress:    senderAddress,
				Subject:          subject,
				DeliveredAt:      time.Unix(msg.DeliveredAt, 0),
			}
			if err := w.store.Register(rec); err != nil {
				return err
			}
		}
	}

	return nil
}

// processAttachment drives one attachment: claim, classify, download,
// record. Every outcome is a status transition; nothing propagates.
func (w *Worker) processAttachment(ctx context.Context, rec state.Record) {
	claimed, err := w.store.Claim(rec.AttachmentID)
	if err != nil {
		w.logger.WithError(err).WithField("attachment_id", rec.AttachmentID).
			Error("failed to claim attachment")
		return
	}
	if !claimed {
		// Another worker won; expected and silent.
		return
	}

	if reason := w.classifier.SkipReason(rec); reason != "" {
		if err := w.store.Skip(rec.AttachmentID, reason); err != nil {
			w.logger.WithError(err).Error("failed to record skip")
		}
		return
	}

	localPath, err := w.processor.Process(ctx, rec)
	if err != nil {
		if ferr := w.store.Fail(rec.AttachmentID, apierrors.Truncate(err.Error(), 500)); ferr != nil {
			w.logger.WithError(ferr).Error("failed to record failure")
		}
		return
	}

	if err := w.store.Complete(rec.AttachmentID, localPath); err != nil {
		w.logger.WithError(err).Error("failed to record completion")
	}
}

func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.idleSleep)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
