package config

// StubTerminal replaces the terminal prompt for the duration of a test.
func StubTerminal(terminal bool, input string) func() {
	oldRead, oldIs := readPassword, isTerminal

	isTerminal = func(int) bool { return terminal }
	readPassword = func(int) ([]byte, error) { return []byte(input), nil }

	return func() {
		readPassword, isTerminal = oldRead, oldIs
	}
}
