package chat

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Prompts holds the system prompts used by each operation.
type Prompts struct {
	System string `yaml:"system"`
	Search string `yaml:"search"`
	Upload string `yaml:"upload"`
}

const (
	DefaultSystemPrompt = "你是一个多功能助手，可以回答问题，解释概念，提供建议，翻译文本等。"

	DefaultSearchPrompt = `你是一个专业的搜索助手。在回答问题时：
1. 先用[思考过程]...[/思考过程]标记你的分析和搜索过程
2. 如果需要展示代码，使用 ` + "```语言名 代码 ```" + ` 格式
3. 保持专业、简洁和友好的语气`

	DefaultUploadPrompt = "你是一个专业的代码分析助手，擅长分析各种文件并给出建议。"

	searchQueryPrefix = "请搜索并回答以下问题："
)

// DefaultPrompts returns the built-in prompts.
func DefaultPrompts() Prompts {
	return Prompts{
		System: DefaultSystemPrompt,
		Search: DefaultSearchPrompt,
		Upload: DefaultUploadPrompt,
	}
}

// merge fills empty fields of p from def.
func (p Prompts) merge(def Prompts) Prompts {
	if p.System == "" {
		p.System = def.System
	}
	if p.Search == "" {
		p.Search = def.Search
	}
	if p.Upload == "" {
		p.Upload = def.Upload
	}
	return p
}

var fenceLanguages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".html": "html",
	".css":  "css",
	".json": "json",
	".xml":  "xml",
	".yaml": "yaml",
	".yml":  "yaml",
	".md":   "markdown",
	".sh":   "bash",
	".bat":  "bat",
	".ps1":  "powershell",
	".ini":  "ini",
}

// fenceLanguage picks the code-fence hint for a file name.
func fenceLanguage(filename string) string {
	if lang, ok := fenceLanguages[strings.ToLower(filepath.Ext(filename))]; ok {
		return lang
	}
	return "plaintext"
}

// analysisPrompt builds the user message for a file analysis request.
func analysisPrompt(u Upload) string {
	question := "请分析文件内容并给出建议。"
	if q := strings.TrimSpace(u.Question); q != "" {
		question = "问题：" + q
	}
	var b strings.Builder
	fmt.Fprintf(&b, "分析以下%s文件，文件名为%s。\n%s\n\n", u.Kind, u.Filename, question)
	fmt.Fprintf(&b, "文件内容：\n```%s\n%s\n```\n\n", fenceLanguage(u.Filename), u.Content)
	b.WriteString("请按以下格式回复：\n")
	b.WriteString("1. 先用[思考过程]...[/思考过程]标记你的分析过程\n")
	b.WriteString("2. 如果需要展示代码，使用 ```语言名 代码 ``` 格式\n")
	b.WriteString("3. 保持专业、简洁和友好的语气")
	return b.String()
}
