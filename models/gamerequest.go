package models

// StrokeRequest はストローク送信のボディです。
// Canvas は描画後のキャンバス画像（data URL）。付いていれば解析に回す
type StrokeRequest struct {
	Points []Point `json:"points" binding:"required"`
	Color  string  `json:"color"`
	Width  float64 `json:"width"`
	Canvas string  `json:"canvas,omitempty"`
}

// VoteRequest は投票のボディです。
type VoteRequest struct {
	AccusedID string `json:"accusedId" binding:"required"`
}
