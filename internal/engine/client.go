package engine

import (
	"context"
	"sync"

	"opsync/internal/domain"
	"opsync/internal/session"
)

// Subscriber delivers merged state snapshots until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan domain.OperationState
}

// Client binds the engine to one client's session. Every operation acts as
// the held session.
type Client struct {
	Engine Engine
	Holder *session.Holder
	Reset  *ResetProtocol

	// OnSessionChange is called for transitions made by the monitor.
	OnSessionChange func(session.Transition)

	sub         Subscriber
	mu          sync.Mutex
	deviceToken string
	done        chan struct{}
}

func NewClient(e Engine, sub Subscriber) *Client {
	return &Client{
		Engine: e,
		Holder: session.NewHolder(),
		Reset:  e.NewResetProtocol(),
		sub:    sub,
	}
}

// Start runs the session monitor until ctx ends.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	m := session.Monitor{Holder: c.Holder, Logger: c.Engine.logger(), OnChange: c.OnSessionChange}
	snapshots := c.sub.Subscribe(ctx)
	go func() {
		defer close(done)
		m.Run(ctx, snapshots)
	}()
}

// Done is closed once the monitor started by Start has stopped.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Client) Session() session.Session { return c.Holder.Get() }

func (c *Client) Snapshot() domain.OperationState { return c.Engine.Snapshot() }

// DeviceToken is the token that identifies this client's principal.
func (c *Client) DeviceToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceToken
}

func (c *Client) Login(ctx context.Context, creds Credentials) (session.Session, error) {
	if creds.DeviceToken == "" {
		creds.DeviceToken = c.DeviceToken()
	}
	res, err := c.Engine.Login(ctx, creds)
	if err != nil {
		return c.Holder.Get(), err
	}
	if res.DeviceToken != "" {
		c.mu.Lock()
		c.deviceToken = res.DeviceToken
		c.mu.Unlock()
	}
	c.Holder.Set(res.Session)
	return res.Session, nil
}

func (c *Client) Logout(ctx context.Context) session.Session {
	next := c.Engine.Logout(ctx, c.Holder.Get())
	c.Holder.Set(next)
	c.Reset.Abort()
	return next
}

func (c *Client) ValidateMission(ctx context.Context, missionID, code string) (domain.Operator, error) {
	done := c.Holder.BeginMutation()
	defer done()
	op, err := c.Engine.ValidateMission(ctx, c.Holder.Get(), missionID, code)
	if err != nil {
		return domain.Operator{}, err
	}
	c.Holder.RefreshOperator(op)
	return op, nil
}

func (c *Client) UpdateOperator(ctx context.Context, op domain.Operator) (domain.Operator, error) {
	done := c.Holder.BeginMutation()
	defer done()
	updated, err := c.Engine.UpdateOperator(ctx, c.Holder.Get(), op)
	if err != nil {
		return domain.Operator{}, err
	}
	c.Holder.RefreshOperator(updated)
	return updated, nil
}

func (c *Client) UpdateOperationConfig(ctx context.Context, patch ConfigPatch) error {
	return c.Engine.UpdateOperationConfig(ctx, c.Holder.Get(), patch)
}

func (c *Client) AdjustScore(ctx context.Context, operatorID string, delta int) (domain.Operator, error) {
	return c.Engine.AdjustScore(ctx, c.Holder.Get(), operatorID, delta)
}

func (c *Client) RemoveOperator(ctx context.Context, operatorID string) error {
	return c.Engine.RemoveOperator(ctx, c.Holder.Get(), operatorID)
}

func (c *Client) AddMission(ctx context.Context, parentID string) (domain.Mission, error) {
	return c.Engine.AddMission(ctx, c.Holder.Get(), parentID)
}

func (c *Client) EditMission(ctx context.Context, m domain.Mission) (domain.Mission, error) {
	return c.Engine.EditMission(ctx, c.Holder.Get(), m)
}

func (c *Client) DeleteMission(ctx context.Context, id string) (int, error) {
	return c.Engine.DeleteMission(ctx, c.Holder.Get(), id)
}

func (c *Client) BeginReset() (ResetPhase, error) {
	return c.Reset.Begin(c.Holder.Get())
}

func (c *Client) ConfirmReset(ctx context.Context) (ResetPhase, error) {
	return c.Reset.Confirm(ctx, c.Holder.Get())
}

func (c *Client) AbortReset() ResetPhase {
	return c.Reset.Abort()
}
