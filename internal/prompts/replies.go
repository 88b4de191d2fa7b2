package prompts

// Fixed user-facing replies. The user converses in Spanish.
const (
	// ResetReply acknowledges the "reset" command.
	ResetReply = "Listo, empecemos de nuevo. ¿En qué te puedo ayudar?"

	// RetryExhaustedReply is sent when every self-correction attempt
	// failed.
	RetryExhaustedReply = "Lo siento, no pude completar la operación tras varios intentos. Por favor, contacta al administrador."

	// UnknownToolReply is sent when the model asks for a tool other than
	// the query tool.
	UnknownToolReply = "Lo siento, intenté hacer algo que no está permitido."

	// ActionCompletedReply is sent when the statement ran but the model
	// asked for another tool instead of summarizing the result.
	ActionCompletedReply = "Acción completada."

	// RetryReply replaces a blank or formatting-only final reply.
	RetryReply = "Lo siento, no pude generar una respuesta. Por favor, inténtalo de nuevo."
)

// ResetCommand is the control message that clears the conversation.
const ResetCommand = "reset"
