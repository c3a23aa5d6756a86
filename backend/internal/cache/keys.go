package cache

import "fmt"

// Key layout:
// - roomKey(objectID):  online sessions of a document, ZSet<userID, expireAtUnix>
// - namesKey(objectID): userID -> username, Hash
// - docKey(objectID):   cached document view, String

const (
	keyRoomFmt  = "presence:room:{obj:%s}"
	keyNamesFmt = "presence:room:names:{obj:%s}"
	keyDocFmt   = "collab:doc:{obj:%s}"
	roomPrefix  = "presence:room:"
)

func roomKey(objectID string) string  { return fmt.Sprintf(keyRoomFmt, objectID) }
func namesKey(objectID string) string { return fmt.Sprintf(keyNamesFmt, objectID) }
func docKey(objectID string) string   { return fmt.Sprintf(keyDocFmt, objectID) }
