package models

import "fmt"

// ExportFormat 平台导出预设
type ExportFormat struct {
	Name        string `json:"name"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	AspectRatio string `json:"aspectRatio"`
	Container   string `json:"container"`
}

func (f ExportFormat) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

var ExportFormats = map[string]ExportFormat{
	"youtube_1080":    {Name: "youtube_1080", Width: 1920, Height: 1080, AspectRatio: "16:9", Container: "mp4"},
	"youtube_4k":      {Name: "youtube_4k", Width: 3840, Height: 2160, AspectRatio: "16:9", Container: "mp4"},
	"instagram_reels": {Name: "instagram_reels", Width: 1080, Height: 1920, AspectRatio: "9:16", Container: "mp4"},
	"tiktok":          {Name: "tiktok", Width: 1080, Height: 1920, AspectRatio: "9:16", Container: "mp4"},
	"linkedin":        {Name: "linkedin", Width: 1296, Height: 1080, AspectRatio: "1.2:1", Container: "mp4"},
	"standard_mp4":    {Name: "standard_mp4", Width: 1920, Height: 1080, AspectRatio: "16:9", Container: "mp4"},
}
