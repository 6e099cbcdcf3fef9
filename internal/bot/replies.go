package bot

// Fixed replies for conditions the user can see.
const (
	ReplyNotFound        = "You can only continue a conversation you started."
	ReplyUnsupported     = "The current platform does not support multi-turn conversation."
	ReplyHistoryDisabled = "Multi-turn conversation is not enabled."
	ReplyImagineDisabled = "Image generation is not enabled."
	ReplyPrivateDisabled = "Private chat is not enabled."
	ReplyNoAttachments   = "The current platform cannot receive images."
	ReplySensitive       = "This conversation touched on sensitive content and cannot be continued. Please start a new one."
	ReplyRemoteError     = "Sorry, the model request failed. Please try again later."
	ReplyEmptyPrompt     = "Please add a prompt after the command, for example: /chat hello"
)

// Command outcomes reported to the Recorder.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeNotFound  = "not_found"
	OutcomeSensitive = "sensitive"
	OutcomeError     = "error"
)

func modelFooter(model string) string {
	return "\n\n(generated by " + model + ")"
}
