package adapter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "remindbot/internal/transport"
)

// classifySendError maps Telegram failures onto the transport error kinds:
// flood control becomes a RateLimitedError, and a blocked bot or missing chat
// becomes ErrUnreachable.
func classifySendError(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RateLimitedError{After: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var terr *tele.Error
	if !errors.As(err, &terr) {
		return err
	}
	if terr.Code == 403 || unreachableDescription(terr.Description) {
		return fmt.Errorf("%w: %w", kit.ErrUnreachable, err)
	}
	return err
}

func unreachableDescription(desc string) bool {
	desc = strings.ToLower(desc)
	for _, s := range []string{"chat not found", "user not found", "user is deactivated", "bot was blocked"} {
		if strings.Contains(desc, s) {
			return true
		}
	}
	return false
}
