package specialist

import (
	"fmt"
	"strings"
)

// historyWindow is the number of past turns included in a prompt.
const historyWindow = 5

type promptTemplate struct {
	system string
}

var educationPrompt = promptTemplate{
	system: "你是一名耐心的儿童学习助手。用简单、准确、鼓励的语言回答孩子的学习问题，" +
		"回答要简短，适合孩子的年级水平。不要讨论与学习无关的危险话题。",
}

var emotionPrompt = promptTemplate{
	system: "你是一名温暖的儿童情感陪伴伙伴。认真倾听孩子的感受，给予理解和安慰，" +
		"用温柔、积极的语言回应。遇到严重的情绪困扰时，鼓励孩子告诉家长或老师。",
}

// render builds the system and user prompts for text.
func (p promptTemplate) render(text string, tc TurnContext) (string, string) {
	var sys strings.Builder
	sys.WriteString(p.system)
	if tc.Grade != "" {
		fmt.Fprintf(&sys, "\n孩子的年级：%s。", tc.Grade)
	}
	if tc.Emotion != "" {
		fmt.Fprintf(&sys, "\n孩子当前的情绪：%s。", tc.Emotion)
	}

	var user strings.Builder
	history := tc.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	if len(history) > 0 {
		user.WriteString("最近的对话：\n")
		for _, t := range history {
			fmt.Fprintf(&user, "孩子：%s\n助手：%s\n", t.Input, t.FinalResponse)
		}
		user.WriteString("\n")
	}
	fmt.Fprintf(&user, "孩子：%s\n助手：", text)

	return sys.String(), user.String()
}
