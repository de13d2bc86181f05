package models

// RoomCreateRequest はルーム作成リクエストのボディです。
// プレイヤーIDはヘッダーから取得するため含まない
type RoomCreateRequest struct {
	Name       string `json:"name"`       // 表示名
	MaxPlayers int    `json:"maxPlayers"` // 2〜8
	MaxRounds  int    `json:"maxRounds"`  // 1〜5
}

// RoomJoinRequest はルーム参加リクエストのボディです。
type RoomJoinRequest struct {
	Name string `json:"name"`
}
