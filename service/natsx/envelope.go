package natsx

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"VeChat/tools/errs"
)

// 每类房间一个 subject：vechat.room.personal / presence / conversation
const subjectPrefix = "vechat.room."

// RoomFrame 跨实例转发的信封；Frame 就是本地已经编码好的出站帧
type RoomFrame struct {
	Room   string          `json:"room"`
	Origin string          `json:"origin"`
	ID     string          `json:"id"`
	Frame  json.RawMessage `json:"frame"`
}

// roomSubject 房间 key 形如 personal/client:1，取斜杠前的类别
func roomSubject(room string) string {
	kind, _, ok := strings.Cut(room, "/")
	if !ok || kind == "" {
		kind = "other"
	}
	return subjectPrefix + kind
}

func newRoomFrame(origin, room string, frame []byte) RoomFrame {
	return RoomFrame{Room: room, Origin: origin, ID: uuid.NewString(), Frame: frame}
}

func (f RoomFrame) encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg("encode room frame: "+err.Error(), "room", f.Room)
	}
	return b, nil
}

func decodeRoomFrame(data []byte) (RoomFrame, error) {
	var f RoomFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return RoomFrame{}, errs.ErrArgs.WrapMsg("decode room frame: " + err.Error())
	}
	if f.Room == "" || len(f.Frame) == 0 {
		return RoomFrame{}, errs.ErrArgs.WrapMsg("room frame without room or payload")
	}
	return f, nil
}
