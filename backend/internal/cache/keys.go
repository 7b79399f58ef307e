package cache

import "fmt"

// 键语义：
// - roomKey(docID):   房间在线成员（ZSet<participantId, expireAtUnix>，score=expireAt）
// - namesKey(docID):  房间内 participantId→displayName 映射（Hash）
const (
	keyRoomFmt  = "presence:room:{docID:%s}"       // ZSet<participantId, expireAtUnix>
	keyNamesFmt = "presence:room:names:{docID:%s}" // Hash<participantId -> displayName>
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
