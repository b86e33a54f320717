package review

import "fmt"

func errInvalidFinding(format string, args ...any) error {
	return fmt.Errorf("review: "+format, args...)
}
