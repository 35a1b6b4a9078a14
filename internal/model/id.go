package model

import (
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

// containerNamePrefix marks containers created for compilation jobs.
const containerNamePrefix = "cvix-latex-"

// NewID generates a new ULID string for use as a job identifier.
func NewID() string {
	return ulid.Make().String()
}

// ContainerName derives the container name for one attempt of a job.
func ContainerName(jobID string, attempt int) string {
	return containerNamePrefix + strings.ToLower(jobID) + "-" + strconv.Itoa(attempt)
}
