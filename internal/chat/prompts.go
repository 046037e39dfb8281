package chat

import (
	"fmt"
	"strings"

	"github.com/Bogeun-Kim/habit-stacker/internal/models"
)

const (
	// DefaultPrompt is sent to the assistant when a turn carries only an image.
	DefaultPrompt = "I participated in the challenge. Please encourage me and let me know if there are any changes I need to make based on my images."

	VisionPrompt = "챌린지에 대한 인증 사진입니다. 이 사진을 분석하고 설명해주세요. 특히 습관 인증과 관련된 내용이 있다면 언급해주고 챌린지에 대한 영감을 주는 내용이 있다면 언급해주세요. 챌린지 인증을 축하합니다!"

	visionFallback = "이미지를 분석하지 못했습니다. 죄송합니다."

	assistantBaseInstructions = `당신은 HabitStacker 앱의 AI 어시스턴트입니다. 사용자들의 챌린지를 돕고, 동기부여를 제공하며,
건강한 챌린지 달성에 대한 조언을 제공합니다. 항상 긍정적이고 격려하는 톤을 유지하세요.
사용자의 질문에 대해 간결하고 명확하게 답변하되, 필요한 경우 추가적인 정보나 팁을 제공하세요.
사용자가 인증 사진을 업로드하면 이를 분석하고 설명해주세요. 특히 습관 인증과 관련된 내용이 있다면 언급해주고 챌린지에 대한 영감을 주는 내용이 있다면 언급해주세요.`
)

func AssistantName(challengeID uint64) string {
	return fmt.Sprintf("HabitStacker-challenge-%d", challengeID)
}

func SnapshotOf(c *models.Challenge) Snapshot {
	return Snapshot{
		Title:       c.Title,
		Duration:    string(c.Duration),
		Category:    string(c.Category),
		Description: c.Description,
	}
}

func BuildInstructions(s Snapshot) string {
	var b strings.Builder
	b.WriteString(assistantBaseInstructions)
	b.WriteString("\n\n이 대화는 다음 챌린지에 관한 것입니다.\n")
	fmt.Fprintf(&b, "제목: %s\n", s.Title)
	fmt.Fprintf(&b, "기간: %s\n", s.Duration)
	fmt.Fprintf(&b, "카테고리: %s\n", s.Category)
	fmt.Fprintf(&b, "설명: %s\n", s.Description)
	return b.String()
}

func imageDescriptionMessage(desc string) string {
	return "사용자가 이미지를 업로드했습니다. 이미지 설명: " + desc
}
