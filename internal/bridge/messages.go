package bridge

const (
	msgNoProject = "No project is configured for this chat. Add one to the projects file or pick one with /project."
	msgBusy      = "Your previous message has not been answered yet. Wait for the reply or use /abort."
	msgGeneric   = "Something went wrong while handling your message. Check the server logs for details."

	msgTimeoutNoSession   = "No reply after %s. Timed out before the session was ready, so there was nothing to abort."
	msgTimeoutAborted     = "No reply after %s. The request was aborted on the server. You can send a new message."
	msgTimeoutNotAborted  = "No reply after %s. The server reported nothing to abort; it may still be finishing the previous request."
	msgTimeoutAbortFailed = "No reply after %s. Aborting on the server failed, so it may still be working. Wait a moment before retrying."

	msgNothingToAbort = "Nothing to abort."
	msgAborting       = "Aborting…"

	msgQuestionTimedOut = "Question cancelled: the prompt timed out."
	msgQuestionAborted  = "Question cancelled: the prompt was aborted."
	msgQuestionDismiss  = "Question dismissed."
	msgQuestionFileBusy = "A question is waiting for your answer. Answer it or use /abort before sending files."

	msgNoLongerPending = "This request is no longer pending."
	msgStale           = "This question has moved on."
	msgSelectOne       = "Select at least one option."
	msgChooseOption    = "Please choose one of the options."
	msgSubmitFailed    = "Sending your answer failed. Check the server logs for details."

	msgHelp = `Send a message to talk to the coding agent working in your active project.

/abort - stop the running prompt
/new - start a fresh session in the active project
/projects - list projects
/project <alias> - switch project
/models - list available models
/model <provider/model|reset> - pin or unpin a model
/status - show this chat's state`
)
