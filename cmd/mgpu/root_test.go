package main

import (
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/Uuuuuuho/mgpu-server/internal/client"
	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, exitNoSuchJob, exitCodeFor(&client.APIError{Code: proto.ErrUnknownJob}))
	assert.Equal(t, exitNoSuchJob, exitCodeFor(&client.APIError{Code: proto.ErrNoHistory}))
	assert.Equal(t, exitBadArgs, exitCodeFor(&client.APIError{Code: proto.ErrInvalidSpec}))

	_, dialErr := net.Dial("tcp", "127.0.0.1:1") // nothing listens on port 1
	if dialErr != nil {
		assert.Equal(t, exitUnreachable, exitCodeFor(dialErr))
		assert.Equal(t, exitUnreachable, exitCodeFor(errors.Wrap(dialErr, "dialing master")))
	}

	assert.Equal(t, exitBadArgs, exitCodeFor(errors.New("some flag problem")))
}

func TestJobExitCode(t *testing.T) {
	assert.Equal(t, 0, jobExitCode(proto.Exit{Code: 0}))
	assert.Equal(t, 7, jobExitCode(proto.Exit{Code: 7}))
	sig := 9
	assert.Equal(t, 137, jobExitCode(proto.Exit{Code: 137, Signal: &sig}))
}
