package pdf

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	pageWidth    = 595 // A4，单位 point
	pageHeight   = 842
	marginLeft   = 56
	marginTop    = 64
	lineHeight   = 15
	bodySize     = 11
	headingSize  = 20
	wrapColumns  = 88
	linesPerPage = (pageHeight - 2*marginTop) / lineHeight
)

// Minimal 使用内置 Helvetica 字体写出带标题和自动换行正文的纯文本 PDF。
// 不依赖浏览器，是没有其他方式生成文档时的
// 最后手段
func Minimal(heading string, lines []string) []byte {
	var wrapped []string
	for _, l := range lines {
		wrapped = append(wrapped, wrap(l, wrapColumns)...)
	}

	var pages [][]string
	first := linesPerPage - 3
	for len(wrapped) > 0 || len(pages) == 0 {
		n := linesPerPage
		if len(pages) == 0 {
			n = first
		}
		n = min(n, len(wrapped))
		pages = append(pages, wrapped[:n])
		wrapped = wrapped[n:]
	}

	w := &objWriter{}
	w.buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")

	// 1 catalog，2 pages，3 字体，4 粗体，之后每页一对 content+page 对象
	pageIDs := make([]int, len(pages))
	for i := range pages {
		pageIDs[i] = 5 + 2*i + 1
	}

	w.object(1, "<< /Type /Catalog /Pages 2 0 R >>")
	var kids strings.Builder
	for _, id := range pageIDs {
		fmt.Fprintf(&kids, "%d 0 R ", id)
	}
	w.object(2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.TrimSpace(kids.String()), len(pages)))
	w.object(3, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	w.object(4, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica-Bold /Encoding /WinAnsiEncoding >>")

	for i, body := range pages {
		var cs bytes.Buffer
		y := pageHeight - marginTop
		if i == 0 {
			fmt.Fprintf(&cs, "BT /F2 %d Tf %d %d Td (%s) Tj ET\n", headingSize, marginLeft, y, escape(heading))
			y -= 3 * lineHeight
		}
		for _, line := range body {
			if line != "" {
				fmt.Fprintf(&cs, "BT /F1 %d Tf %d %d Td (%s) Tj ET\n", bodySize, marginLeft, y, escape(line))
			}
			y -= lineHeight
		}
		contentID := 5 + 2*i
		w.stream(contentID, cs.Bytes())
		w.object(pageIDs[i], fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << /Font << /F1 3 0 R /F2 4 0 R >> >> /Contents %d 0 R >>",
			pageWidth, pageHeight, contentID))
	}

	return w.finish()
}

type objWriter struct {
	buf     bytes.Buffer
	offsets map[int]int
}

func (w *objWriter) object(id int, body string) {
	if w.offsets == nil {
		w.offsets = make(map[int]int)
	}
	w.offsets[id] = w.buf.Len()
	fmt.Fprintf(&w.buf, "%d 0 obj\n%s\nendobj\n", id, body)
}

func (w *objWriter) stream(id int, data []byte) {
	if w.offsets == nil {
		w.offsets = make(map[int]int)
	}
	w.offsets[id] = w.buf.Len()
	fmt.Fprintf(&w.buf, "%d 0 obj\n<< /Length %d >>\nstream\n", id, len(data))
	w.buf.Write(data)
	w.buf.WriteString("\nendstream\nendobj\n")
}

func (w *objWriter) finish() []byte {
	size := len(w.offsets) + 1
	xref := w.buf.Len()
	fmt.Fprintf(&w.buf, "xref\n0 %d\n0000000000 65535 f \n", size)
	for id := 1; id < size; id++ {
		fmt.Fprintf(&w.buf, "%010d 00000 n \n", w.offsets[id])
	}
	fmt.Fprintf(&w.buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", size, xref)
	return w.buf.Bytes()
}

// escape 将文本映射为 PDF 字面量字符串中的 WinAnsi 字节
func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '(' || r == ')' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\t':
			b.WriteString("    ")
		case r == '–' || r == '—':
			b.WriteByte('-')
		case r == '·' || r == '•':
			b.WriteString("\\267")
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		case r >= 0xa0 && r <= 0xff:
			fmt.Fprintf(&b, "\\%03o", r)
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}

func wrap(line string, width int) []string {
	if utf8.RuneCountInString(line) <= width {
		return []string{line}
	}
	indent := line[:len(line)-len(strings.TrimLeft(line, " "))]
	var out []string
	cur := indent
	for _, word := range strings.Fields(line) {
		if utf8.RuneCountInString(cur)+utf8.RuneCountInString(word)+1 > width && strings.TrimSpace(cur) != "" {
			out = append(out, cur)
			cur = indent
		}
		if strings.TrimSpace(cur) != "" {
			cur += " "
		}
		cur += word
	}
	if strings.TrimSpace(cur) != "" {
		out = append(out, cur)
	}
	return out
}
