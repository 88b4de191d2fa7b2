package prompts

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fpagent/fpagent/internal/gateway"
)

// NoRowsPhrase appears in the interpretation turn for an empty result,
// and only there.
const NoRowsPhrase = "no rows found"

// maxResultChars bounds the result JSON echoed back to the model.
const maxResultChars = 8000

const correctionTemplate = `[SYSTEM] Your last %[1]s call failed (attempt %[2]d of %[3]d).
- Statement: %[4]s
- Error: %[5]s

Fix the statement and call %[1]s again with the corrected SQL. Do not apologize to the user yet and do not respond_to_user unless the operation cannot be done at all.`

// CorrectionTurn tells the model its statement failed and asks it to
// correct itself and invoke the tool again.
func CorrectionTurn(tool, statement, errMsg string, attempt, maxAttempts int) string {
	if statement == "" {
		statement = "(no SQL found in the arguments)"
	}
	return fmt.Sprintf(correctionTemplate, tool, attempt, maxAttempts, statement, errMsg)
}

const interpretationTemplate = `[SYSTEM] The system ran your statement.
- Statement: %s
- Result: %s

Now write the final message for the user with respond_to_user. If it was an INSERT or UPDATE, confirm what was recorded. If it was a SELECT, summarize the data clearly. Do not call %s again for this message.`

// InterpretationTurn tells the model its statement succeeded and asks
// for the final user-facing message. Empty results, row sets and write
// counts are each described differently.
func InterpretationTurn(tool, statement string, result gateway.Success) string {
	if statement == "" {
		statement = "(unknown)"
	}
	return fmt.Sprintf(interpretationTemplate, statement, describe(result), tool)
}

func describe(s gateway.Success) string {
	switch {
	case s.Empty():
		return "the statement succeeded: " + NoRowsPhrase + "."
	case len(s.Rows) > 0:
		body := s.JSON()
		if len(body) > maxResultChars {
			cut := maxResultChars
			for cut > 0 && !utf8.RuneStart(body[cut]) {
				cut--
			}
			body = body[:cut] + " …(truncated)"
		}
		out := fmt.Sprintf("the statement succeeded and returned %d row(s): %s", len(s.Rows), body)
		if s.RowsAffected != nil {
			out += fmt.Sprintf(" (%d row(s) affected)", *s.RowsAffected)
		}
		return out
	case s.RowsAffected != nil:
		return fmt.Sprintf("the statement succeeded; %d row(s) affected.", *s.RowsAffected)
	default:
		return "the statement succeeded with output: " + strings.TrimSpace(s.Text)
	}
}
