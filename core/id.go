package core

import (
	"github.com/google/uuid"

	"pkt.systems/dockerrunner/schema"
)

var newBatchID = func() schema.BatchID {
	return schema.BatchID(uuid.NewString())
}
