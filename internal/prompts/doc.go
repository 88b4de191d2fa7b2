// Package prompts contains the text fpagent sends to the decision
// engine and the fixed replies it sends to the user.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and are validated by
// tests. Each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the interpolated
// string.
package prompts
