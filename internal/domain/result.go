package domain

// MaxLogLines is the number of trailing log lines kept on a run.
const MaxLogLines = 50

// Result is what a Handler reports. An empty Status means success.
type Result struct {
	Status   RunStatus
	Message  string
	Metrics  map[string]any
	LogLines []string
}

// Message is the result of a handler that only reports a message.
func Message(msg string) Result {
	return Result{Message: msg}
}

// TailLogLines returns at most the last MaxLogLines lines.
func TailLogLines(lines []string) []string {
	if len(lines) <= MaxLogLines {
		return lines
	}
	return lines[len(lines)-MaxLogLines:]
}
