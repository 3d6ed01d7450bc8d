package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/pulseauth/internal/apperr"
	"github.com/example/pulseauth/internal/clientip"
)

// Layer names one of the three counters guarding an action.
type Layer string

const (
	LayerIPDaily      Layer = "ip_daily"
	LayerIdentifier   Layer = "id"
	LayerIdentifierIP Layer = "id_ip"
)

const (
	IPWindow         = 24 * time.Hour
	IdentifierWindow = 10 * time.Minute
)

// Limits are the per-layer thresholds shared by every guarded action.
type Limits struct {
	IPMaxPerDay  int64
	IDMaxFails   int64
	IDIPMaxFails int64
}

// Action describes a guarded endpoint. Name prefixes the counter keys and
// Label is used in client messages.
type Action struct {
	Name  string
	Label string
}

var (
	ActionSignup       = Action{Name: "signup", Label: "signup"}
	ActionLogin        = Action{Name: "login", Label: "login"}
	ActionForgot       = Action{Name: "forgot_pass", Label: "password reset request"}
	ActionReset        = Action{Name: "reset_pass", Label: "password reset"}
	ActionVerifyEmail  = Action{Name: "verify_email", Label: "verification"}
	ActionResendVerify = Action{Name: "resend_verification", Label: "verification email"}
)

// LimitError identifies the layer that rejected a request. It is carried as
// the cause of a TooManyRequests apperr.Error.
type LimitError struct {
	Action     string
	Layer      Layer
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("ratelimit: %s rejected by %s", e.Action, e.Layer)
}

// Guard evaluates the three layers for one request.
type Guard struct {
	counter  Counter
	limits   Limits
	log      logrus.FieldLogger
	onReject func(action string, layer Layer)
}

type Option func(*Guard)

// WithRejectHook registers fn to be called on every rejection.
func WithRejectHook(fn func(action string, layer Layer)) Option {
	return func(g *Guard) { g.onReject = fn }
}

func NewGuard(counter Counter, limits Limits, log logrus.FieldLogger, opts ...Option) *Guard {
	if log == nil {
		log = logrus.StandardLogger()
	}
	g := &Guard{counter: counter, limits: limits, log: log}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type layerCheck struct {
	layer   Layer
	key     string
	window  time.Duration
	max     int64
	message string
	// failuresOnly layers are taken back when the attempt succeeds or is
	// rejected by the guard.
	failuresOnly bool
}

func (g *Guard) checks(action Action, identifier, ip string) []layerCheck {
	if identifier == "" {
		identifier = clientip.Unknown
	}
	if ip == "" {
		ip = clientip.Unknown
	}
	return []layerCheck{
		{
			layer:   LayerIPDaily,
			key:     fmt.Sprintf("%s:%s:%s", action.Name, LayerIPDaily, ip),
			window:  IPWindow,
			max:     g.limits.IPMaxPerDay,
			message: fmt.Sprintf("Too many %s attempts from this IP. Please try again after 24 hours.", action.Label),
		},
		{
			layer:        LayerIdentifier,
			key:          fmt.Sprintf("%s:%s:%s", action.Name, LayerIdentifier, identifier),
			window:       IdentifierWindow,
			max:          g.limits.IDMaxFails,
			message:      fmt.Sprintf("Too many %s failures for this account. Please try again in 10 minutes.", action.Label),
			failuresOnly: true,
		},
		{
			layer:        LayerIdentifierIP,
			key:          fmt.Sprintf("%s:%s:%s:%s", action.Name, LayerIdentifierIP, identifier, ip),
			window:       IdentifierWindow,
			max:          g.limits.IDIPMaxFails,
			message:      fmt.Sprintf("Too many %s attempts. Please try again in 10 minutes.", action.Label),
			failuresOnly: true,
		},
	}
}

// Attempt is an admitted request. Call Done once the outcome is known.
type Attempt struct {
	guard *Guard
	keys  []string
}

// Begin counts the request against all three layers concurrently and
// rejects it if any layer is over its limit. A rejected request does not
// count as a failure. Counter errors fail closed.
func (g *Guard) Begin(ctx context.Context, action Action, identifier, ip string) (*Attempt, error) {
	checks := g.checks(action, identifier, ip)
	counts := make([]int64, len(checks))
	counted := make([]bool, len(checks))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, c := range checks {
		eg.Go(func() error {
			n, err := g.counter.Incr(egCtx, c.key, c.window)
			if err != nil {
				return err
			}
			counts[i], counted[i] = n, true
			return nil
		})
	}
	err := eg.Wait()

	var rejected *layerCheck
	if err == nil {
		for i := range checks {
			if counts[i] > checks[i].max {
				rejected = &checks[i]
				break
			}
		}
	}

	if err != nil || rejected != nil {
		g.takeBack(ctx, checks, counted)
	}
	if err != nil {
		g.log.WithError(err).WithField("action", action.Name).Error("rate limit check failed")
		return nil, apperr.Internal(err)
	}
	if rejected != nil {
		g.log.WithFields(logrus.Fields{
			"action": action.Name,
			"layer":  rejected.layer,
			"ip":     ip,
		}).Warn("rate limit exceeded")
		if g.onReject != nil {
			g.onReject(action.Name, rejected.layer)
		}
		return nil, apperr.Wrap(apperr.KindTooManyRequests, rejected.message, &LimitError{
			Action:     action.Name,
			Layer:      rejected.layer,
			RetryAfter: rejected.window,
		})
	}

	a := &Attempt{guard: g}
	for _, c := range checks {
		if c.failuresOnly {
			a.keys = append(a.keys, c.key)
		}
	}
	return a, nil
}

func (g *Guard) takeBack(ctx context.Context, checks []layerCheck, counted []bool) {
	for i, c := range checks {
		if c.failuresOnly && counted[i] {
			if err := g.counter.Decr(ctx, c.key); err != nil {
				g.log.WithError(err).WithField("key", c.key).Warn("failed to release rate limit hit")
			}
		}
	}
}

// Done records the outcome. Failed attempts keep their hit on the
// failure-counted layers; successful ones release it.
func (a *Attempt) Done(ctx context.Context, failed bool) {
	if failed {
		return
	}
	for _, key := range a.keys {
		if err := a.guard.counter.Decr(ctx, key); err != nil {
			a.guard.log.WithError(err).WithField("key", key).Warn("failed to release rate limit hit")
		}
	}
}
