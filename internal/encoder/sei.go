package encoder

import (
	"github.com/google/uuid"

	"github.com/mikeyg42/framepipe/internal/hwenc"
)

// x264UserDataUUID prefixes user-data SEI so stream inspectors display the
// text that follows.
var x264UserDataUUID = uuid.MustParse("dc45e9bd-e6d9-48b7-962c-d820d923eeef")

// userDataSEI builds the unregistered user data message sent once per
// session with the first picture.
func userDataSEI(data []byte) hwenc.SEIPayload {
	payload := make([]byte, 0, len(x264UserDataUUID)+len(data))
	payload = append(payload, x264UserDataUUID[:]...)
	payload = append(payload, data...)
	return hwenc.SEIPayload{Type: hwenc.SEIUserDataUnregistered, Data: payload}
}
