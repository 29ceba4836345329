package antinuke

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// PunishCode classifies why a sanction could not be applied. The detection
// path never raises to the dispatcher, so call sites and tests need the
// failure mode preserved instead of collapsed into a log line.
type PunishCode int

const (
	CodeUnknown PunishCode = iota
	CodeCooldown
	CodeProtected
	CodeOutranked
	CodePermissionDenied
	CodeNotFound
	CodeRateLimited
)

func (c PunishCode) String() string {
	switch c {
	case CodeCooldown:
		return "cooldown"
	case CodeProtected:
		return "protected"
	case CodeOutranked:
		return "outranked"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeNotFound:
		return "not_found"
	case CodeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

type PunishError struct {
	Code PunishCode
	Op   string
	Err  error
}

func (e *PunishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *PunishError) Unwrap() error { return e.Err }

func punishErr(code PunishCode, op string, err error) *PunishError {
	return &PunishError{Code: code, Op: op, Err: err}
}

// classifyREST maps a discord REST failure onto a PunishCode.
func classifyREST(err error) PunishCode {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return CodePermissionDenied
		case http.StatusNotFound:
			return CodeNotFound
		case http.StatusTooManyRequests:
			return CodeRateLimited
		}
	}
	return CodeUnknown
}
