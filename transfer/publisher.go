package transfer

import (
	"context"

	"github.com/bitrise-io/go-transferbridge/transfer/network"
	"github.com/bitrise-io/go-utils/retry"
)

// Access is the visibility of a finished object.
type Access string

const (
	AccessPublicRead Access = "public-read"
	AccessPrivate    Access = "private"
)

// Publisher makes a verified object visible and shareable. Publishing is best
// effort: a failure never fails the transfer, it only lowers Result.Access.
type Publisher interface {
	// EnsureVisible places the object at path, e.g. a parent folder.
	EnsureVisible(ctx context.Context, object network.Object, path string) error
	// GrantRead gives anyone with the returned link read access.
	GrantRead(ctx context.Context, object network.Object) (string, error)
}

// publish returns the resulting access level and the link to hand out.
func (o *Orchestrator) publish(ctx context.Context, object network.Object) (Access, string) {
	link := object.Link
	if o.publisher == nil {
		return AccessPrivate, link
	}

	err := o.withRetry(ctx, "ensure visible", func() error {
		return o.publisher.EnsureVisible(ctx, object, o.config.VisiblePath)
	})
	if err != nil {
		o.logger.Warnf("Failed to make %s visible: %s", object.Name, err)
	}

	if !o.config.PublicRead {
		return AccessPrivate, link
	}

	var granted string
	err = o.withRetry(ctx, "grant read", func() error {
		var err error
		granted, err = o.publisher.GrantRead(ctx, object)
		return err
	})
	if err != nil {
		o.logger.Warnf("Failed to grant public read access to %s, it stays private: %s", object.Name, err)
		return AccessPrivate, link
	}
	if granted != "" {
		link = granted
	}
	return AccessPublicRead, link
}

func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Times(o.config.PublishRetries).Wait(o.config.PublishRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			o.logger.Debugf("Retrying %s, attempt %d", op, attempt+1)
		}
		err := fn()
		return err, err == nil || ctx.Err() != nil
	})
}
