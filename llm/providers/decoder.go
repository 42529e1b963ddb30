package providers

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// DoneMarker OpenAI 兼容流的终止标记，本身不携带内容。
const DoneMarker = "[DONE]"

// SSEEvent 一个完整的 Server-Sent Event。
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// SSEDecoder 按 text/event-stream 规则从字节流中切分事件。
//
// 网络读取可能在任意字节处断开，bufio.Reader 会把不完整的行留在缓冲区，
// 直到换行到达；不完整的事件同样累积到空行出现才交付。
type SSEDecoder struct {
	r *bufio.Reader

	event   string
	id      string
	data    strings.Builder
	hasData bool
	eof     bool
}

// NewSSEDecoder creates a decoder over r.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{r: bufio.NewReaderSize(r, 16<<10)}
}

// Next 返回下一个完整事件。流结束时返回 io.EOF；
// 末尾缺少换行的半行被视为截断并丢弃。
func (d *SSEDecoder) Next() (*SSEEvent, error) {
	for {
		if d.eof {
			if ev := d.flush(); ev != nil {
				return ev, nil
			}
			return nil, io.EOF
		}

		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// 没有换行结尾的内容是被截断的帧
				d.eof = true
				continue
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if ev := d.flush(); ev != nil {
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			if d.hasData {
				d.data.WriteByte('\n')
			}
			d.data.WriteString(value)
			d.hasData = true
		case "event":
			d.event = value
		case "id":
			d.id = value
		}
	}
}

func (d *SSEDecoder) flush() *SSEEvent {
	if !d.hasData && d.event == "" {
		return nil
	}
	ev := &SSEEvent{Event: d.event, Data: d.data.String(), ID: d.id}
	d.event = ""
	d.data.Reset()
	d.hasData = false
	return ev
}

// LineDecoder 解码行分隔 JSON 流。
// 同时兼容以 JSON 数组形式逐行输出对象的上游（去掉行首的 '[' 或 ','，行尾的 ',' 或 ']'）。
type LineDecoder struct {
	r   *bufio.Reader
	eof bool
}

// NewLineDecoder creates a decoder over r.
func NewLineDecoder(r io.Reader) *LineDecoder {
	return &LineDecoder{r: bufio.NewReaderSize(r, 16<<10)}
}

// Next 返回下一行非空负载，流结束时返回 io.EOF。
// 末尾没有换行的最后一行照常返回，是否完整由 JSON 解码判定。
func (d *LineDecoder) Next() ([]byte, error) {
	for {
		if d.eof {
			return nil, io.EOF
		}
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			d.eof = true
		}

		line = bytes.TrimSpace(line)
		line = bytes.TrimPrefix(line, []byte("["))
		line = bytes.TrimPrefix(line, []byte(","))
		line = bytes.TrimSuffix(line, []byte("]"))
		line = bytes.TrimSuffix(line, []byte(","))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}
