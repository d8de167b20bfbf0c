package runner

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// newRunID returns a time-ordered, random run id such as run_01h455vb4pex5vsknk084sn02q.
func newRunID() string {
	id, err := generateTypeID("run")
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("run-%d", time.Now().UTC().UnixNano())
}
