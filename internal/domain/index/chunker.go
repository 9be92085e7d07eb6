package index

import (
	"strings"
	"unicode/utf8"
)

// Chunker 文本分块器
type Chunker struct {
	chunkSize int // 每块最大字符数
	overlap   int // 块间重叠字符数
}

// NewChunker 创建分块器
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Chunker{
		chunkSize: chunkSize,
		overlap:   overlap,
	}
}

// Split 将文本切分为不超过 chunkSize 的块，块间带 overlap。
func (c *Chunker) Split(text string) []string {
	paragraphs := splitParagraphs(text)
	return c.mergeParagraphs(paragraphs)
}

// splitParagraphs 按换行分段，丢弃空行
func splitParagraphs(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	rawParts := strings.Split(text, "\n")
	var parts []string
	for _, p := range rawParts {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// mergeParagraphs 将段落合并为不超过 chunkSize 的块，带 overlap
func (c *Chunker) mergeParagraphs(paragraphs []string) []string {
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder

	for _, para := range paragraphs {
		paraLen := utf8.RuneCountInString(para)

		// 段落本身就超过 chunkSize，硬切分
		if paraLen > c.chunkSize {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			runes := []rune(para)
			for i := 0; i < len(runes); i += c.chunkSize - c.overlap {
				end := i + c.chunkSize
				if end > len(runes) {
					end = len(runes)
				}
				chunks = append(chunks, string(runes[i:end]))
				if end >= len(runes) {
					break
				}
			}
			continue
		}

		currentLen := utf8.RuneCountInString(current.String())
		if currentLen+paraLen+1 > c.chunkSize {
			chunks = append(chunks, current.String())
			prev := current.String()
			current.Reset()
			// Overlap：取前一块的尾部
			if c.overlap > 0 {
				prevRunes := []rune(prev)
				if len(prevRunes) > c.overlap {
					current.WriteString(string(prevRunes[len(prevRunes)-c.overlap:]))
					current.WriteString("\n")
				}
			}
		}

		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(para)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}
