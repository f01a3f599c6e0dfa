package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/owdb/wrestlebot/internal/process"
	"github.com/owdb/wrestlebot/internal/store"
)

// taskKind prefixes retry-queue entries created by the publisher so
// replayers can recognize them.
const taskKind = "publish"

// Publisher pushes entity drafts to the content platform. Transient
// failures are captured in the durable retry queue; terminal failures are
// logged and dropped.
type Publisher struct {
	client   *Client
	queue    *store.Store
	schedule []time.Duration
	now      func() time.Time
}

// NewPublisher wires a client to the retry queue with the given backoff
// schedule.
func NewPublisher(client *Client, queue *store.Store, schedule []time.Duration) *Publisher {
	return &Publisher{
		client:   client,
		queue:    queue,
		schedule: schedule,
		now:      time.Now,
	}
}

// SetClock replaces the wall clock. Tests only.
func (p *Publisher) SetClock(now func() time.Time) { p.now = now }

// Publish sends one draft. On transient failure the draft lands in the
// retry queue and the transient error is returned so callers can count it;
// on terminal failure the draft is dropped.
func (p *Publisher) Publish(ctx context.Context, draft *process.EntityDraft) (*Ack, error) {
	ack, err := p.client.CreateEntity(ctx, draft.Kind, draft.Fields)
	if err == nil {
		return ack, nil
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		if qerr := p.enqueue(draft, err); qerr != nil {
			return nil, fmt.Errorf("queueing failed publish: %w (original: %v)", qerr, err)
		}
		log.Printf("publish of %s %q failed, queued for retry: %v", draft.Kind, draft.NaturalKey, err)
		return nil, err
	}

	log.Printf("dropping %s %q after terminal publish failure: %v", draft.Kind, draft.NaturalKey, err)
	return nil, err
}

// Replay retries one queued task. Success acknowledges it, a transient
// failure pushes it further down the schedule or dead-letters it when the
// schedule is exhausted, and a terminal failure dead-letters it
// immediately.
func (p *Publisher) Replay(ctx context.Context, task store.FailedTask) error {
	var draft process.EntityDraft
	if err := json.Unmarshal([]byte(task.Payload), &draft); err != nil {
		if gerr := p.queue.GiveUp(task.ID, "unreadable payload: "+err.Error()); gerr != nil {
			return gerr
		}
		return fmt.Errorf("unreadable payload for task %s: %w", task.ID, err)
	}

	_, err := p.client.CreateEntity(ctx, draft.Kind, draft.Fields)
	if err == nil {
		if aerr := p.queue.Ack(task.ID); aerr != nil {
			return fmt.Errorf("acknowledging task %s: %w", task.ID, aerr)
		}
		log.Printf("replayed %s %q after %d attempt(s)", draft.Kind, draft.NaturalKey, task.Attempts)
		return nil
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		status, rerr := p.queue.Reschedule(task.ID, err.Error(), p.now(), p.schedule)
		if rerr != nil {
			return rerr
		}
		if status == store.StatusDead {
			log.Printf("retries exhausted for %s %q, dead-lettered: %v", draft.Kind, draft.NaturalKey, err)
		}
		return err
	}

	if gerr := p.queue.GiveUp(task.ID, err.Error()); gerr != nil {
		return gerr
	}
	log.Printf("dead-lettered %s %q after terminal replay failure: %v", draft.Kind, draft.NaturalKey, err)
	return err
}

// Health reports whether the collaborator answers its health endpoint.
func (p *Publisher) Health(ctx context.Context) error {
	return p.client.Health(ctx)
}

func (p *Publisher) enqueue(draft *process.EntityDraft, cause error) error {
	payload, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("marshaling draft: %w", err)
	}
	_, err = p.queue.Enqueue(taskKind, string(payload), cause.Error(), p.now(), p.schedule)
	return err
}
