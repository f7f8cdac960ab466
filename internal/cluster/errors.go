package cluster

import (
	"fmt"

	"github.com/stripefs/stripefs/internal/drive"
)

// StatusError wraps a non-OK drive status as a Go error for constructors
// and admin paths that report errors instead of statuses.
type StatusError struct {
	Op     string
	Status drive.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cluster %s: %s", e.Op, e.Status)
}

func errStripeTooLarge(stripe, drives int) error {
	return fmt.Errorf("stripe of %d blobs cannot exceed cluster size of %d drives", stripe, drives)
}

func unreadable(count, quorum int) drive.Status {
	return drive.MakeStatus(drive.ClientIOError,
		fmt.Sprintf("Unreadable: %d equal versions does not reach read quorum of %d", count, quorum))
}
