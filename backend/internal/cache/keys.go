package cache

import "fmt"

// 键语义：
// - roomKey(docID):    房间在线会话（ZSet<sessionId, expireAtUnixMilli>，score=expireAt）
// - membersKey(docID): 会话 → 成员 JSON（Hash）
// - docsKey():         有在线成员的文档（Set<docID>）
//
// {docID} 作为 hash tag，保证同一文档的键落在同一个 cluster slot，lua 脚本可以同时操作

const (
	keyRoomFmt    = "presence:room:{%s}"
	keyMembersFmt = "presence:members:{%s}"
	keyDocsSet    = "presence:docs"
)

func roomKey(docID string) string    { return fmt.Sprintf(keyRoomFmt, docID) }
func membersKey(docID string) string { return fmt.Sprintf(keyMembersFmt, docID) }
func docsKey() string                { return keyDocsSet }
