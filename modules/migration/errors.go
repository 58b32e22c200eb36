package migration

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"message-highway/pkg/highway"
)

var (
	// ErrInvalidDestination indicates a destination the engine cannot post to.
	ErrInvalidDestination = errors.New("migration: invalid destination")
	// ErrNothingToMove indicates a target set made only of replicas or empty messages.
	ErrNothingToMove = errors.New("migration: nothing to move")
)

const (
	replyFallback      = "something went terribly wrong there... i told the operators about it, im sure they'll look at it asap"
	replySendMessages  = "you need **Send Messages** permissions in the channel you want to move the messages to"
	replyTooLong       = "one of the messages is too long, you're probably using your super nitro powers"
	replyUnsupported   = "one of the messages has something i can't recreate (%s), sorry"
	replyTooMany       = "i can work with up to %d messages, if you need a higher limit, please ask the operators"
	replyTooOld        = "i can't work with messages older than %d days, if you need me to, please ask the operators"
	replyLastCount     = "i can move between 1 and %d of the newest messages"
	replyNoWindow      = "i haven't seen any messages in this channel since i started, so i don't know which ones are the newest"
	replyNotInGuild    = "i can only move messages inside a server"
	replyChannelKind   = "i can only move messages to text channels or threads"
	replySameChannel   = "the messages are already in that channel"
	replyOtherGuild    = "i can only move messages within the same server"
	replyNothingToMove = "there's nothing i can move there, messages i already moved stay where they are"
	replyNoPick        = "you didn't pick a channel in time, so i stopped"
	replyMissingPerms  = "please beg the mods to give me these permissions first:\n%s"
	replyUpstreamPerms = "i lost a permission i needed while working, please check my permissions and try again"
	replyPartial       = "\n(i had already moved %d of %d messages when it happened)"
	replyRateLimited   = "discord is asking me to slow down, please try again in a bit"
	replyRetryAfter    = "discord is asking me to slow down, please try again in %s"

	replyNoted     = "noted, doing some checks :face_with_monocle:"
	replyDone      = "done :incoming_envelope:"
	replyRefused   = "someone refused, so i left the messages where they are"
	replyAbandoned = "i didn't get every answer, so i left the messages where they are"
)

// explainedError pairs a taxonomy error with the text shown to the invoker.
type explainedError struct {
	err   error
	reply string
}

func explain(err error, reply string) error {
	return &explainedError{err: err, reply: reply}
}

func (e *explainedError) Error() string {
	return fmt.Sprintf("%v: %s", e.err, e.reply)
}

func (e *explainedError) Unwrap() error {
	return e.err
}

// MissingPermissionsError lists the engine permissions a run needs but lacks.
type MissingPermissionsError struct {
	Missing highway.Permissions
}

func (e *MissingPermissionsError) Error() string {
	return fmt.Sprintf("engine lacks permissions: %s", strings.Join(permissionNames(e.Missing), ", "))
}

// Unwrap classifies the error as a permission denial.
func (e *MissingPermissionsError) Unwrap() error {
	return highway.ErrPermissionDenied
}

var permissionLabels = []struct {
	bit  highway.Permissions
	name string
}{
	{bit: highway.PermissionViewChannel, name: "View Channel"},
	{bit: highway.PermissionReadMessageHistory, name: "Read Message History"},
	{bit: highway.PermissionManageMessages, name: "Manage Messages"},
	{bit: highway.PermissionManageWebhooks, name: "Manage Webhooks"},
	{bit: highway.PermissionSendMessages, name: "Send Messages"},
	{bit: highway.PermissionSendMessagesInThreads, name: "Send Messages in Threads"},
	{bit: highway.PermissionEmbedLinks, name: "Embed Links"},
	{bit: highway.PermissionAttachFiles, name: "Attach Files"},
}

func permissionNames(permissions highway.Permissions) []string {
	names := make([]string, 0, len(permissionLabels))
	for _, label := range permissionLabels {
		if permissions&label.bit != 0 {
			names = append(names, label.name)
		}
	}

	return names
}

// ReplyFor renders the invoker-facing text for a finished run.
func ReplyFor(report Report, err error) string {
	if err == nil {
		switch report.Consent {
		case ConsentRefused:
			return replyRefused
		case ConsentAbandoned:
			return replyAbandoned
		default:
			return replyDone
		}
	}

	var explained *explainedError
	if errors.As(err, &explained) {
		return explained.reply
	}

	var missing *MissingPermissionsError
	if errors.As(err, &missing) {
		lines := make([]string, 0, len(permissionLabels))
		for _, name := range permissionNames(missing.Missing) {
			lines = append(lines, "- **"+name+"**")
		}
		return fmt.Sprintf(replyMissingPerms, strings.Join(lines, "\n"))
	}

	reply := replyFallback
	if retryAfter, limited := highway.AsOutboundRateLimit(err); limited {
		reply = replyRateLimited
		if retryAfter > 0 {
			reply = fmt.Sprintf(replyRetryAfter, retryAfter.Round(time.Second))
		}
	}
	if errors.Is(err, highway.ErrPermissionDenied) {
		reply = replyUpstreamPerms
	}
	if report.Replicated > 0 {
		reply += fmt.Sprintf(replyPartial, report.Replicated, report.Total)
	}

	return reply
}

// isValidationError reports whether err stopped a run before any side effect.
func isValidationError(err error) bool {
	var explained *explainedError
	var missing *MissingPermissionsError

	return errors.As(err, &explained) || errors.As(err, &missing)
}
