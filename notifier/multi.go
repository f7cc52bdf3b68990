package notifier

import (
	"context"
	"errors"

	"aquaguardian/models"
)

// Multi fans an escalation out to several notifiers. Every backend is tried;
// the joined error of the failed ones is returned.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, report *models.Report) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
