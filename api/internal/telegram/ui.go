package telegram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"snapish/api/internal/detect"
)

const maxMessageLen = 3900

const (
	textHelp = "🎣 물고기 사진을 보내 주세요. 어종과 금어기를 알려 드릴게요.\n" +
		"명령어: /season 어종이름, /health"
	textSendPhoto      = "물고기 사진을 보내 주세요. JPG 또는 PNG 파일을 분석할 수 있어요."
	textBusy           = "이전 사진을 분석하고 있어요. 잠시만 기다려 주세요."
	textDownloadFailed = "사진을 내려받지 못했어요. 다시 보내 주세요."
	textNoFish         = "사진에서 물고기를 찾지 못했어요. 물고기가 잘 보이도록 다시 찍어 주세요."
	textLowConfidence  = "어종을 확실히 판별하지 못했어요. 다른 각도에서 찍은 사진을 보내 주세요."
	textUnsupported    = "JPG 또는 PNG 사진만 분석할 수 있어요."
	textCorrupt        = "사진 파일을 읽을 수 없어요. 다시 보내 주세요."
	textDetectorDown   = "지금은 분석 서버에 연결할 수 없어요. 잠시 후 다시 시도해 주세요."
	textInternal       = "사진을 처리하는 중 오류가 발생했어요."
	textGuidePending   = "📖 낚시 가이드를 준비하고 있어요..."
	textGuideTimeout   = "가이드 응답이 늦어지고 있어요. 나중에 다시 사진을 보내 주세요."
	textGuideFailed    = "가이드를 불러오지 못했어요."
)

// formatDetections renders detections in Markdown, best match first.
func formatDetections(dets []detect.Detection) string {
	var b strings.Builder
	for i, d := range dets {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "🐟 *%s* (신뢰도 %.0f%%)\n", esc(d.Label), d.Confidence*100)
		if d.ProhibitedDates != "" {
			fmt.Fprintf(&b, "🚫 금어기: %s\n", d.ProhibitedDates)
		} else {
			b.WriteString("✅ 등록된 금어기가 없어요\n")
		}
	}
	return b.String()
}

func seasonText(name, season string) string {
	if season == "" {
		return name + ": 등록된 금어기가 없어요."
	}
	return fmt.Sprintf("%s 금어기: %s", name, season)
}

// esc escapes the legacy Markdown control characters.
func esc(s string) string {
	s = strings.ReplaceAll(s, "`", "'")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "[", "\\[")
	return s
}

// truncate cuts s to at most n bytes on a rune boundary and appends an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s + "…"
}
