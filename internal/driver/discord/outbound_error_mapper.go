package discord

import (
	"errors"
	"fmt"
	"net/http"

	"message-highway/pkg/highway"

	"github.com/bwmarrin/discordgo"
)

func mapDiscordOutboundError(operation highway.OutboundOperation, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, highway.ErrInvalidOutboundRequest) {
		return err
	}

	outboundErr := &highway.OutboundError{
		Operation: operation,
		Kind:      highway.OutboundErrorKindUnknown,
		Platform:  DriverPlatform,
		Cause:     err,
	}

	var rateLimitErr *discordgo.RateLimitError
	if errors.As(err, &rateLimitErr) {
		outboundErr.Kind = highway.OutboundErrorKindRateLimited
		outboundErr.Status = http.StatusTooManyRequests
		if rateLimitErr.RateLimit != nil && rateLimitErr.TooManyRequests != nil {
			outboundErr.RetryAfter = rateLimitErr.RetryAfter
		}

		return outboundErr
	}

	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return outboundErr
	}

	if restErr.Response != nil {
		outboundErr.Status = restErr.Response.StatusCode
	}
	if restErr.Message != nil {
		outboundErr.Code = restErr.Message.Code
	}
	outboundErr.Kind = classifyDiscordStatus(outboundErr.Status)
	switch {
	case outboundErr.Status == http.StatusForbidden || outboundErr.Code == discordgo.ErrCodeMissingPermissions:
		outboundErr.Cause = fmt.Errorf("%w: %w", highway.ErrPermissionDenied, err)
	case outboundErr.Code == discordgo.ErrCodeUnknownMessage:
		outboundErr.Cause = fmt.Errorf("%w: %w", highway.ErrMessageNotFound, err)
	}

	return outboundErr
}

func classifyDiscordStatus(status int) highway.OutboundErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return highway.OutboundErrorKindRateLimited
	case status == http.StatusBadRequest,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound,
		status == http.StatusRequestEntityTooLarge:
		return highway.OutboundErrorKindPermanent
	case status >= 500:
		return highway.OutboundErrorKindTemporary
	default:
		return highway.OutboundErrorKindUnknown
	}
}
