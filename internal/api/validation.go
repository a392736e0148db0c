package api

import (
	"fmt"
	"regexp"
	"strconv"
)

const maxJobKeyLength = 128

var jobKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

func validateJobKey(key string) error {
	if key == "" {
		return fmt.Errorf("job key is required")
	}
	if len(key) > maxJobKeyLength {
		return fmt.Errorf("job key exceeds %d characters", maxJobKeyLength)
	}
	if !jobKeyPattern.MatchString(key) {
		return fmt.Errorf("job key must be lowercase letters, digits, '.', '_' or '-'")
	}
	return nil
}

func parseCharacterID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("character id must be an integer")
	}
	if id <= 0 {
		return 0, fmt.Errorf("character id must be positive")
	}
	return id, nil
}
