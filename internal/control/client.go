package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"fleet-governor/internal/model"
)

// ReasonUnreachable is the denial a client reports when the governor did not
// answer in time.
const ReasonUnreachable model.AdmissionReason = "unreachable"

var ErrRemote = errors.New("control request failed")

type Client struct {
	conn    *grpc.ClientConn
	token   string
	timeout time.Duration
	logger  *slog.Logger
}

// Dial prepares a client for addr. The connection is established lazily.
func Dial(addr, token string, timeout time.Duration, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype(codecName)),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	return &Client{conn: conn, token: token, timeout: timeout, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and decodes the reply data into out when non-nil.
func (c *Client) Call(ctx context.Context, t model.MessageType, payload, out any) error {
	req := model.ControlRequest{Type: t, MsgID: uuid.NewString()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", t, err)
		}
		req.Payload = raw
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}

	var reply model.ControlReply
	if err := c.conn.Invoke(ctx, CallMethod, &req, &reply); err != nil {
		return fmt.Errorf("call %s: %w", t, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("%w: %s: %s", ErrRemote, t, reply.Error)
	}
	if out != nil && len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return fmt.Errorf("decode %s reply: %w", t, err)
		}
	}
	return nil
}

// CanAdmit never fails: an unreachable governor is a denial.
func (c *Client) CanAdmit(ctx context.Context) model.AdmissionDecision {
	var d model.AdmissionDecision
	if err := c.Call(ctx, model.MsgAdmissionCheck, nil, &d); err != nil {
		c.logger.Warn("admission check failed", "error", err)
		return model.AdmissionDecision{Allow: false, Reason: ReasonUnreachable}
	}
	return d
}

func (c *Client) ReportOpenOutcome(ctx context.Context, r model.OpenOutcomeReport) error {
	return c.Call(ctx, model.MsgOpenOutcome, r, nil)
}

func (c *Client) ReportEvent(ctx context.Context, ev model.LifecycleEvent) error {
	return c.Call(ctx, model.MsgLifecycleEvent, ev, nil)
}

func (c *Client) ReportCPU(ctx context.Context, r model.WorkerCPUReport) error {
	return c.Call(ctx, model.MsgWorkerCPU, r, nil)
}

func (c *Client) CreateJob(ctx context.Context, req model.JobCreateRequest) (model.Job, error) {
	var j model.Job
	err := c.Call(ctx, model.MsgJobCreate, req, &j)
	return j, err
}

func (c *Client) CancelJob(ctx context.Context, id, reason string) (bool, error) {
	var r model.JobCancelReply
	err := c.Call(ctx, model.MsgJobCancel, model.JobCancelRequest{ID: id, Reason: reason}, &r)
	return r.Canceled, err
}

func (c *Client) Jobs(ctx context.Context, f model.JobFilter) ([]model.Job, error) {
	var jobs []model.Job
	err := c.Call(ctx, model.MsgJobsList, f, &jobs)
	return jobs, err
}

func (c *Client) Backlog(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	err := c.Call(ctx, model.MsgJobsBacklog, nil, &jobs)
	return jobs, err
}

func (c *Client) Status(ctx context.Context) (model.GovernorStatus, error) {
	var st model.GovernorStatus
	err := c.Call(ctx, model.MsgGovernorStatus, nil, &st)
	return st, err
}

// AcquireExclusive waits for the exclusive turn on key. A timeout is reported
// as not granted.
func (c *Client) AcquireExclusive(ctx context.Context, key string, lease time.Duration) (bool, error) {
	var r model.ExclusiveAcquireReply
	err := c.Call(ctx, model.MsgExclusiveAcquire, model.ExclusiveAcquireRequest{Key: key, LeaseMs: lease.Milliseconds()}, &r)
	if err != nil {
		return false, err
	}
	if !r.Granted {
		return false, fmt.Errorf("%w: exclusive %s not granted: %s", ErrRemote, key, r.Reason)
	}
	return true, nil
}

func (c *Client) ReleaseExclusive(ctx context.Context, key string, ok bool) error {
	return c.Call(ctx, model.MsgExclusiveRelease, model.ExclusiveReleaseRequest{Key: key, OK: ok}, nil)
}
