package highway

// Command names registered with the platform.
const (
	CommandMoveMessage         = "move message"
	CommandMoveMessageAndBelow = "move this message and below"
	CommandMoveLastMessages    = "move_last_messages"
)

// InteractionRef is the opaque handle needed to answer one interaction.
type InteractionRef struct {
	ID    string
	Token string
	AppID string
}

// Interaction carries a user-driven command or component action.
type Interaction struct {
	Ref     InteractionRef
	Invoker Actor
	// InvokerPermissions are the invoker's permissions in the channel of the interaction.
	// Nil when the platform omitted member data.
	InvokerPermissions *Permissions
	Command            *CommandInvocation
	Component          *ComponentAction
}

// CommandInvocation is one application command call.
type CommandInvocation struct {
	Name string
	// Target is the resolved message for message-context commands.
	Target *CachedMessage
	// Count is the requested message count for last-messages commands.
	Count int
	// DestinationChannelID is the destination chosen inline, when the command carries one.
	DestinationChannelID string
}

// ComponentAction is one button click or menu selection.
type ComponentAction struct {
	// MessageID identifies the message carrying the component.
	MessageID string
	CustomID  string
	Values    []string
}
