package audit

import (
	"encoding/binary"
	"encoding/hex"
)

// Key layout:
//
//	job/<jobId>                  -> Job JSON
//	jobidx/<createdMs be64>/<jobId> -> nil (time-ordered index)
//	jobevt/<jobId>/<eventId>     -> Event JSON
var (
	jobPrefix    = []byte("job/")
	jobIdxPrefix = []byte("jobidx/")
	eventPrefix  = []byte("jobevt/")
)

func jobKey(jobID string) []byte {
	k := make([]byte, 0, len(jobPrefix)+len(jobID))
	k = append(k, jobPrefix...)
	k = append(k, jobID...)
	return k
}

func jobIdxKey(createdMs int64, jobID string) []byte {
	k := make([]byte, 0, len(jobIdxPrefix)+16+1+len(jobID))
	k = append(k, jobIdxPrefix...)
	var ms [8]byte
	binary.BigEndian.PutUint64(ms[:], uint64(createdMs))
	dst := make([]byte, 16)
	hex.Encode(dst, ms[:])
	k = append(k, dst...)
	k = append(k, '/')
	k = append(k, jobID...)
	return k
}

func eventKeyPrefix(jobID string) []byte {
	k := make([]byte, 0, len(eventPrefix)+len(jobID)+1)
	k = append(k, eventPrefix...)
	k = append(k, jobID...)
	k = append(k, '/')
	return k
}

func eventKey(jobID string, eventID string) []byte {
	p := eventKeyPrefix(jobID)
	k := make([]byte, 0, len(p)+len(eventID))
	k = append(k, p...)
	k = append(k, eventID...)
	return k
}

// upperBound returns the exclusive upper bound for a prefix scan.
func upperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}
