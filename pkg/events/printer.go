package events

import (
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/yaml.v3"
)

// StepPrinterFunc returns a watermill handler that renders streamed events
// to w: deltas as they arrive, citations as a YAML block after the answer.
func StepPrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	isFirst := true

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		switch p_ := e.(type) {
		case *EventPartial:
			if isFirst && name != "" {
				isFirst = false
				if _, err := fmt.Fprintf(w, "\n%s: \n", name); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(w, "%s", p_.Delta); err != nil {
				return err
			}

		case *EventFinal:
			isFirst = true
			if !strings.HasSuffix(p_.Text, "\n") {
				if _, err := fmt.Fprintf(w, "\n"); err != nil {
					return err
				}
			}
			if len(p_.Citations) > 0 {
				v_, err := yaml.Marshal(p_.Citations)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "sources:\n%s", v_); err != nil {
					return err
				}
			}

		case *EventInterrupt:
			isFirst = true
			if _, err := fmt.Fprintf(w, "\n[stopped]\n"); err != nil {
				return err
			}

		case *EventError:
			isFirst = true
			if _, err := fmt.Fprintf(w, "\n[error] %s\n", p_.ErrorString); err != nil {
				return err
			}

		case *EventStart, *EventCitation:
		}

		return nil
	}
}
