package downloader

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// GenerateInstanceID returns a unique claim owner for this process (hostname, pid and a random id).
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}
