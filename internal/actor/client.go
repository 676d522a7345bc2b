package actor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kon-rad/sessionmirror/internal/etl"
)

// Client is the only way to reach the actor from the outside. It assigns
// message IDs, sends requests over the task queue and matches responses back
// to waiting callers. Safe for concurrent use.
type Client struct {
	requests chan Request
	done     chan struct{}
	runErr   error

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan Response
}

// Start spawns the actor goroutine and the response pump and returns the
// connected client.
func Start(a *Actor, queueCapacity int) *Client {
	c := &Client{
		requests: make(chan Request, queueCapacity),
		done:     make(chan struct{}),
		pending:  make(map[uint64]chan Response),
	}

	responses := make(chan Response, queueCapacity)
	runDone := make(chan error, 1)
	go func() {
		runDone <- a.Run(c.requests, responses)
	}()
	go func() {
		for resp := range responses {
			c.deliver(resp)
		}
		c.failPending()
		c.runErr = <-runDone
		close(c.done)
	}()
	return c
}

func (c *Client) deliver(resp Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.MessageID]
	delete(c.pending, resp.MessageID)
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// failPending unblocks callers still waiting when the actor exits.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- Response{MessageID: id, Err: &TaskError{Message: "store actor stopped"}}
		delete(c.pending, id)
	}
}

func (c *Client) do(ctx context.Context, req Request) (Response, error) {
	req.MessageID = c.nextID.Add(1)
	replyCh := make(chan Response, 1)

	c.mu.Lock()
	c.pending[req.MessageID] = replyCh
	c.mu.Unlock()

	select {
	case c.requests <- req:
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.MessageID)
		c.mu.Unlock()
		return Response{}, ctx.Err()
	}

	// No cancellation of in-flight tasks: once submitted, the task runs to
	// completion; the caller may only stop waiting for the answer.
	select {
	case resp := <-replyCh:
		if resp.Err != nil {
			return resp, resp.Err
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.do(ctx, Request{Task: TaskInit})
	return err
}

func (c *Client) Ingest(ctx context.Context, workspaceID, sessionDir string, meta etl.CallerMeta) (*etl.Report, error) {
	resp, err := c.do(ctx, Request{Task: TaskIngest, Ingest: &IngestArgs{
		WorkspaceID: workspaceID,
		SessionDir:  sessionDir,
		Meta:        meta,
	}})
	if err != nil {
		return nil, err
	}
	return resp.Ingest, nil
}

func (c *Client) RebuildAll(ctx context.Context) (*RebuildReport, error) {
	resp, err := c.do(ctx, Request{Task: TaskRebuildAll})
	if err != nil {
		return nil, err
	}
	return resp.Rebuild, nil
}

func (c *Client) ClearWorkspace(ctx context.Context, workspaceID string) error {
	_, err := c.do(ctx, Request{Task: TaskClearWorkspace, Clear: &ClearArgs{WorkspaceID: workspaceID}})
	return err
}

func (c *Client) Query(ctx context.Context, args QueryArgs) (*QueryResult, error) {
	resp, err := c.do(ctx, Request{Task: TaskQuery, Query: &args})
	if err != nil {
		return nil, err
	}
	return resp.Query, nil
}

func (c *Client) NeedsBackfill(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, Request{Task: TaskNeedsBackfill})
	if err != nil {
		return false, err
	}
	if resp.NeedsBackfill == nil {
		return false, fmt.Errorf("needsBackfill returned no result")
	}
	return *resp.NeedsBackfill, nil
}

func (c *Client) Checkpoint(ctx context.Context) error {
	_, err := c.do(ctx, Request{Task: TaskCheckpoint})
	return err
}

// Shutdown enqueues the shutdown control message behind all previously
// submitted work and waits for the actor to drain, checkpoint and close the
// database. Shutdown returns no task response by design.
func (c *Client) Shutdown(ctx context.Context) error {
	select {
	case c.requests <- Request{Task: TaskShutdown}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return c.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
