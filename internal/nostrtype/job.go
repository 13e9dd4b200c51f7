package nostrtype

import (
	"fmt"
	"strconv"
)

// InputType identifies the shape of a JobInput value, per the "i" tag's
// third element.
type InputType string

const (
	InputURL   InputType = "url"
	InputEvent InputType = "event"
	InputJob   InputType = "job"
	InputText  InputType = "text"
)

// JobInput is one "i" tag: ["i", data, type, relay?, marker?].
type JobInput struct {
	Data   string
	Type   InputType
	Relay  string
	Marker string
}

func (in JobInput) toTag() Tag {
	t := Tag{"i", in.Data, string(in.Type)}
	if in.Relay != "" || in.Marker != "" {
		t = append(t, in.Relay)
	}
	if in.Marker != "" {
		t = append(t, in.Marker)
	}
	return t
}

func jobInputFromTag(t Tag) (JobInput, error) {
	if len(t) < 3 {
		return JobInput{}, fmt.Errorf("nostrtype: i tag needs at least 3 elements, got %d", len(t))
	}
	in := JobInput{Data: t.Value(1), Type: InputType(t.Value(2))}
	if len(t) > 3 {
		in.Relay = t[3]
	}
	if len(t) > 4 {
		in.Marker = t[4]
	}
	return in, nil
}

// JobParam is one "param" tag: ["param", key, value].
type JobParam struct {
	Key   string
	Value string
}

func (p JobParam) toTag() Tag { return Tag{"param", p.Key, p.Value} }

func jobParamFromTag(t Tag) (JobParam, error) {
	if len(t) < 3 {
		return JobParam{}, fmt.Errorf("nostrtype: param tag needs 3 elements, got %d", len(t))
	}
	return JobParam{Key: t[1], Value: t[2]}, nil
}

// JobRequest is a kind 5000-5999 event's decoded tag set.
type JobRequest struct {
	Kind        int
	Inputs      []JobInput
	Params      []JobParam
	OutputMIME  string   // "output" tag
	BidMillisat int64    // "bid" tag, millisatoshis, 0 if absent
	Relays      []string // "relays" tag values
	Customer    string   // "p" tag — optional explicit target DVM pubkey
	Encrypted   bool     // "encrypted" tag — params/inputs are NIP-04/44 encrypted
}

// ToTags assembles the request's tags in canonical order: inputs, params,
// output, bid, relays, p, encrypted — matching nip90.rs's JobRequest::to_tags.
func (r JobRequest) ToTags() []Tag {
	var tags []Tag
	for _, in := range r.Inputs {
		tags = append(tags, in.toTag())
	}
	for _, p := range r.Params {
		tags = append(tags, p.toTag())
	}
	if r.OutputMIME != "" {
		tags = append(tags, Tag{"output", r.OutputMIME})
	}
	if r.BidMillisat > 0 {
		tags = append(tags, Tag{"bid", strconv.FormatInt(r.BidMillisat, 10)})
	}
	if len(r.Relays) > 0 {
		relayTag := append(Tag{"relays"}, r.Relays...)
		tags = append(tags, relayTag)
	}
	if r.Customer != "" {
		tags = append(tags, Tag{"p", r.Customer})
	}
	if r.Encrypted {
		tags = append(tags, Tag{"encrypted"})
	}
	return tags
}

// JobRequestFromEvent decodes a JobRequest from its event's kind and tags.
// Unknown tag keys are ignored (forward compatible); malformed known tags
// (wrong arity) return an error.
func JobRequestFromEvent(ev *Event) (*JobRequest, error) {
	if !IsJobRequestKind(ev.Kind) {
		return nil, fmt.Errorf("nostrtype: kind %d is not a job request kind", ev.Kind)
	}
	r := &JobRequest{Kind: ev.Kind}
	for _, t := range ev.Tags {
		switch t.Key() {
		case "i":
			in, err := jobInputFromTag(t)
			if err != nil {
				return nil, err
			}
			r.Inputs = append(r.Inputs, in)
		case "param":
			p, err := jobParamFromTag(t)
			if err != nil {
				return nil, err
			}
			r.Params = append(r.Params, p)
		case "output":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: output tag needs 2 elements")
			}
			r.OutputMIME = t[1]
		case "bid":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: bid tag needs 2 elements")
			}
			v, err := strconv.ParseInt(t[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("nostrtype: bid tag not an integer: %w", err)
			}
			r.BidMillisat = v
		case "relays":
			r.Relays = append(r.Relays, t[1:]...)
		case "p":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: p tag needs 2 elements")
			}
			r.Customer = t[1]
		case "encrypted":
			r.Encrypted = true
		}
	}
	return r, nil
}

// JobStatus is the "status" tag value on a JobFeedback event.
type JobStatus string

const (
	StatusPaymentRequired JobStatus = "payment-required"
	StatusProcessing      JobStatus = "processing"
	StatusError           JobStatus = "error"
	StatusSuccess         JobStatus = "success"
	StatusPartial         JobStatus = "partial"
)

// JobResult is a kind 6000-6999 event's decoded content and tag set.
type JobResult struct {
	RequestKind    int
	RequestEvent   string     // "e" tag: id of the originating request
	Customer       string     // "p" tag: requester's pubkey
	Content        string     // result payload (event.Content)
	Inputs         []JobInput // "i" tags: echoed inputs from the original request
	Request        string     // "request" tag: the original request event, serialized
	Status         JobStatus  // "status" tag: always "success" for a JobResult
	Encrypted      bool       // "encrypted" tag — result content is NIP-04/44 encrypted
	AmountMillisat int64      // "amount" tag
	Invoice        string     // second element of "amount" tag, if present
}

// ToTags assembles the result's tags: request, e, i(s), p, amount(+invoice),
// status, encrypted — matching nip90.rs's JobResult::to_tags. Status is
// always emitted as "success"; a JobResult never represents a failed job —
// failures are reported via JobFeedback instead.
func (r JobResult) ToTags() []Tag {
	var tags []Tag
	if r.Request != "" {
		tags = append(tags, Tag{"request", r.Request})
	}
	if r.RequestEvent != "" {
		tags = append(tags, Tag{"e", r.RequestEvent})
	}
	for _, in := range r.Inputs {
		tags = append(tags, in.toTag())
	}
	if r.Customer != "" {
		tags = append(tags, Tag{"p", r.Customer})
	}
	if r.AmountMillisat > 0 {
		amt := Tag{"amount", strconv.FormatInt(r.AmountMillisat, 10)}
		if r.Invoice != "" {
			amt = append(amt, r.Invoice)
		}
		tags = append(tags, amt)
	}
	tags = append(tags, Tag{"status", string(StatusSuccess)})
	if r.Encrypted {
		tags = append(tags, Tag{"encrypted"})
	}
	return tags
}

// JobResultFromEvent decodes a JobResult from a kind 6000-6999 event.
func JobResultFromEvent(ev *Event) (*JobResult, error) {
	if !IsJobResultKind(ev.Kind) {
		return nil, fmt.Errorf("nostrtype: kind %d is not a job result kind", ev.Kind)
	}
	r := &JobResult{RequestKind: GetRequestKind(ev.Kind), Content: ev.Content}
	for _, t := range ev.Tags {
		switch t.Key() {
		case "e":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: e tag needs 2 elements")
			}
			r.RequestEvent = t[1]
		case "p":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: p tag needs 2 elements")
			}
			r.Customer = t[1]
		case "i":
			in, err := jobInputFromTag(t)
			if err != nil {
				return nil, err
			}
			r.Inputs = append(r.Inputs, in)
		case "request":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: request tag needs 2 elements")
			}
			r.Request = t[1]
		case "status":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: status tag needs at least 2 elements")
			}
			r.Status = JobStatus(t[1])
		case "encrypted":
			r.Encrypted = true
		case "amount":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: amount tag needs at least 2 elements")
			}
			v, err := strconv.ParseInt(t[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("nostrtype: amount tag not an integer: %w", err)
			}
			r.AmountMillisat = v
			if len(t) > 2 {
				r.Invoice = t[2]
			}
		}
	}
	return r, nil
}

// JobFeedback is a kind 7000 event's decoded content and tag set, emitted
// by a DVM while a job is in flight (payment-required, processing, error,
// partial) ahead of the final result.
type JobFeedback struct {
	Status         JobStatus
	StatusExtra    string // "status" tag's optional third element
	RequestEvent   string // "e" tag
	Customer       string // "p" tag
	Content        string // optional partial-result payload
	AmountMillisat int64
	Invoice        string
}

func (f JobFeedback) ToTags() []Tag {
	var tags []Tag
	statusTag := Tag{"status", string(f.Status)}
	if f.StatusExtra != "" {
		statusTag = append(statusTag, f.StatusExtra)
	}
	tags = append(tags, statusTag)
	if f.RequestEvent != "" {
		tags = append(tags, Tag{"e", f.RequestEvent})
	}
	if f.Customer != "" {
		tags = append(tags, Tag{"p", f.Customer})
	}
	if f.AmountMillisat > 0 {
		amt := Tag{"amount", strconv.FormatInt(f.AmountMillisat, 10)}
		if f.Invoice != "" {
			amt = append(amt, f.Invoice)
		}
		tags = append(tags, amt)
	}
	return tags
}

// JobFeedbackFromEvent decodes a JobFeedback from a kind 7000 event.
func JobFeedbackFromEvent(ev *Event) (*JobFeedback, error) {
	if ev.Kind != KindJobFeedback {
		return nil, fmt.Errorf("nostrtype: kind %d is not the job feedback kind", ev.Kind)
	}
	f := &JobFeedback{Content: ev.Content}
	for _, t := range ev.Tags {
		switch t.Key() {
		case "status":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: status tag needs at least 2 elements")
			}
			f.Status = JobStatus(t[1])
			if len(t) > 2 {
				f.StatusExtra = t[2]
			}
		case "e":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: e tag needs 2 elements")
			}
			f.RequestEvent = t[1]
		case "p":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: p tag needs 2 elements")
			}
			f.Customer = t[1]
		case "amount":
			if len(t) < 2 {
				return nil, fmt.Errorf("nostrtype: amount tag needs at least 2 elements")
			}
			v, err := strconv.ParseInt(t[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("nostrtype: amount tag not an integer: %w", err)
			}
			f.AmountMillisat = v
			if len(t) > 2 {
				f.Invoice = t[2]
			}
		}
	}
	return f, nil
}

// Kind boundaries and well-known constants, per spec.md §4.I / §6.
const (
	KindJobRequestMin = 5000
	KindJobRequestMax = 5999
	KindJobResultMin  = 6000
	KindJobResultMax  = 6999
	KindJobFeedback   = 7000
	// KindHandlerInfo is the default "~31990-ish" handler advertisement
	// kind (spec.md §9 Open Question c). The constant itself is fixed;
	// DvmService publishes under Policy.HandlerInfoKind, which a deployment
	// can set.
	KindHandlerInfo = 31990
)

func IsJobRequestKind(kind int) bool {
	return kind >= KindJobRequestMin && kind <= KindJobRequestMax
}

func IsJobResultKind(kind int) bool {
	return kind >= KindJobResultMin && kind <= KindJobResultMax
}

func IsJobFeedbackKind(kind int) bool { return kind == KindJobFeedback }

func IsDvmKind(kind int) bool {
	return IsJobRequestKind(kind) || IsJobResultKind(kind) || IsJobFeedbackKind(kind) || kind == KindHandlerInfo
}

// GetResultKind returns the result kind for a request kind, or -1 if
// requestKind is not a job request kind.
func GetResultKind(requestKind int) int {
	if !IsJobRequestKind(requestKind) {
		return -1
	}
	return requestKind + 1000
}

// GetRequestKind returns the request kind for a result kind, or -1 if
// resultKind is not a job result kind.
func GetRequestKind(resultKind int) int {
	if !IsJobResultKind(resultKind) {
		return -1
	}
	return resultKind - 1000
}
