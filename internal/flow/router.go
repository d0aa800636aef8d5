package flow

import (
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// Global commands that restart the conversation from any state.
const (
	CommandMenu  = "MENU"
	CommandStart = "START"
)

// Result is the outcome of routing one inbound event.
type Result struct {
	Replies    []string
	Mutate     bool
	State      models.StateType
	Patch      map[models.DataKey]string
	Completion *Completion
}

// Completion carries everything the order coordinator needs once a proof image arrives.
type Completion struct {
	FlowID       string
	Service      string
	AdminService string
	Details      []string
	Amount       string
	Caption      string
	CustomerName string
	UserID       string
	ChatID       string
	Event        models.InboundEvent
}

// Router runs sessions through a catalog. It holds no per-user state.
type Router struct {
	catalog *Catalog
}

// NewRouter creates a Router over c.
func NewRouter(c *Catalog) *Router {
	return &Router{catalog: c}
}

// Catalog returns the catalog the router dispatches against.
func (r *Router) Catalog() *Catalog { return r.catalog }

// turn accumulates the replies and mutation of one dispatch.
type turn struct {
	fields map[string]string
	res    Result
}

func (t *turn) say(msgs ...string) { t.res.Replies = append(t.res.Replies, msgs...) }

func (t *turn) set(k models.DataKey, v string) {
	if t.res.Patch == nil {
		t.res.Patch = make(map[models.DataKey]string)
	}
	t.res.Patch[k] = v
	if v == "" {
		delete(t.fields, string(k))
		return
	}
	t.fields[string(k)] = v
}

func (t *turn) move(s models.StateType) {
	t.res.Mutate = true
	t.res.State = s
}

// Dispatch routes ev against sess and returns the replies and session mutation.
// It never touches storage or transport.
func (r *Router) Dispatch(sess *models.Session, ev models.InboundEvent) Result {
	t := &turn{fields: make(map[string]string, len(sess.Data))}
	for k, v := range sess.Data {
		t.fields[string(k)] = v
	}

	var err error
	switch {
	case ev.Upper == CommandMenu || ev.Upper == CommandStart:
		err = r.restart(t)
	case sess.State == models.StateIdle || sess.State == models.StateMenuShown:
		if !sess.HasName() {
			err = r.askName(t)
		} else if sess.State == models.StateIdle {
			err = r.showMenu(t)
		} else {
			err = r.selectOption(t, ev)
		}
	case sess.State == models.StateNameCollection:
		err = r.collectName(t, ev)
	default:
		st, ok := r.catalog.steps[sess.State]
		if !ok {
			slog.Warn("Router Dispatch unknown state", "user", sess.UserID, "state", sess.State)
			return r.fallback()
		}
		err = r.handleStep(t, st, sess, ev)
	}
	if err != nil {
		slog.Error("Router Dispatch render failed", "user", sess.UserID, "state", sess.State, "error", err)
		return r.fallback()
	}
	slog.Debug("Router Dispatch", "user", sess.UserID, "from", sess.State, "to", t.res.State,
		"mutate", t.res.Mutate, "replies", len(t.res.Replies), "completion", t.res.Completion != nil)
	return t.res
}

func (r *Router) fallback() Result {
	msg, err := r.catalog.msgs.fallback.render(r.catalog.view(nil))
	if err != nil {
		return Result{}
	}
	return Result{Replies: []string{msg}}
}

func (r *Router) render(t *turn, tp *tmpl) error {
	s, err := tp.render(r.catalog.view(t.fields))
	if err != nil {
		return err
	}
	t.say(s)
	return nil
}

// restart behaves as a fresh arrival in IDLE, keeping collected data.
func (r *Router) restart(t *turn) error {
	if t.fields[string(models.DataKeyName)] == "" {
		return r.askName(t)
	}
	return r.showMenu(t)
}

func (r *Router) askName(t *turn) error {
	if err := r.render(t, r.catalog.msgs.askName); err != nil {
		return err
	}
	t.move(models.StateNameCollection)
	return nil
}

func (r *Router) showMenu(t *turn) error {
	if err := r.render(t, r.catalog.menu); err != nil {
		return err
	}
	t.move(models.StateMenuShown)
	return nil
}

func (r *Router) selectOption(t *turn, ev models.InboundEvent) error {
	opt, ok := r.catalog.byKey[ev.Text]
	if !ok {
		if err := r.render(t, r.catalog.msgs.invalidOption); err != nil {
			return err
		}
		return r.render(t, r.catalog.menu)
	}

	before := cloneFields(t.fields)
	if err := r.catalog.seed(opt, t.fields); err != nil {
		return err
	}
	for k, v := range t.fields {
		if before[k] != v {
			t.set(models.DataKey(k), v)
		}
	}
	intro, err := renderAll(opt.Flow.intro, r.catalog.view(t.fields))
	if err != nil {
		return err
	}
	t.say(intro...)
	return r.enter(t, opt.Flow.Steps[0], "")
}

// collectName stores the name then chains into the menu within the same result.
func (r *Router) collectName(t *turn, ev models.InboundEvent) error {
	if ev.Text == "" {
		return r.render(t, r.catalog.msgs.nameInvalid)
	}
	t.set(models.DataKeyName, ev.Text)
	if err := r.render(t, r.catalog.msgs.nameThanks); err != nil {
		return err
	}
	t.move(models.StateIdle)
	return r.showMenu(t)
}

// enter emits a step's entry prompts and moves to it. A non-empty ack is prefixed
// to the first prompt.
func (r *Router) enter(t *turn, st *Step, ack string) error {
	prompts, err := renderAll(st.prompt, r.catalog.view(t.fields))
	if err != nil {
		return err
	}
	if ack != "" {
		if len(prompts) == 0 {
			prompts = []string{ack}
		} else {
			prompts[0] = ack + "\n\n" + prompts[0]
		}
	}
	t.say(prompts...)
	t.move(st.State)
	return nil
}

// advance reprices the flow and enters the next step.
func (r *Router) advance(t *turn, st *Step, withAck bool) error {
	f := st.flow
	if f.Pricing != nil && f.Pricing.Ready(t.fields) {
		total, err := f.Pricing.Total(r.catalog.view(t.fields))
		if err != nil {
			return err
		}
		if t.fields[string(models.DataKeyTotal)] != total {
			t.set(models.DataKeyTotal, total)
		}
	}
	ack := ""
	if withAck {
		var err error
		if ack, err = st.ack.render(r.catalog.view(t.fields)); err != nil {
			return err
		}
	}
	return r.enter(t, st.next, ack)
}

func (r *Router) invalid(t *turn, st *Step) error {
	return r.render(t, st.invalid)
}

func (r *Router) handleStep(t *turn, st *Step, sess *models.Session, ev models.InboundEvent) error {
	switch st.Kind {
	case KindText:
		if ev.Text == "" {
			return r.invalid(t, st)
		}
		t.set(st.Field, ev.Text)
		return r.advance(t, st, true)

	case KindNumber:
		n, err := strconv.Atoi(ev.Text)
		if err != nil || float64(n) < st.Min || float64(n) > st.Max {
			return r.invalid(t, st)
		}
		t.set(st.Field, strconv.Itoa(n))
		return r.advance(t, st, true)

	case KindDecimal:
		v, ok := parseDecimal(ev.Text)
		if !ok || v < st.Min || v > st.Max {
			return r.invalid(t, st)
		}
		t.set(st.Field, formatNumber(v))
		return r.advance(t, st, true)

	case KindChoice:
		for _, ch := range st.Choices {
			if ev.Upper == ch {
				t.set(st.Field, ch)
				return r.advance(t, st, true)
			}
		}
		return r.invalid(t, st)

	case KindLocation:
		switch {
		case ev.HasLocation:
			t.set(st.Field, formatLatLng(ev.Latitude, ev.Longitude))
			if st.PendingField != "" && t.fields[string(st.PendingField)] != "" {
				t.set(st.PendingField, "")
			}
			return r.advance(t, st, true)
		case st.Keyword != "" && ev.Upper == st.Keyword:
			t.set(st.PendingField, "true")
			if t.fields[string(st.Field)] != "" {
				t.set(st.Field, "")
			}
			return r.advance(t, st, false)
		case st.AcceptText && ev.Text != "":
			t.set(st.Field, ev.Text)
			return r.advance(t, st, true)
		}
		return r.invalid(t, st)

	case KindConfirm:
		switch {
		case ev.Upper == KeywordYes:
			return r.advance(t, st, true)
		case ev.Upper == KeywordNo || !st.Strict:
			if err := r.render(t, st.cancel); err != nil {
				return err
			}
			t.move(models.StateIdle)
			return nil
		}
		return r.invalid(t, st)

	case KindPayment:
		if ev.Upper == st.Keyword {
			return r.advance(t, st, true)
		}
		// Anything else waits silently for the keyword.
		return nil

	case KindProof:
		if !ev.HasImage {
			return r.invalid(t, st)
		}
		c, err := r.catalog.completion(st, r.catalog.view(t.fields))
		if err != nil {
			return err
		}
		c.UserID = sess.UserID
		c.ChatID = ev.ChatID
		c.Event = ev
		t.res.Completion = c
		t.move(models.StateIdle)
		return nil
	}
	return r.invalid(t, st)
}

// completion renders the receipt material of st's flow.
func (c *Catalog) completion(st *Step, v view) (*Completion, error) {
	f := st.flow
	service, err := f.service.render(v)
	if err != nil {
		return nil, err
	}
	adminService, err := f.adminService.render(v)
	if err != nil {
		return nil, err
	}
	details, err := renderAll(f.details, v)
	if err != nil {
		return nil, err
	}
	caption, err := f.caption.render(v)
	if err != nil {
		return nil, err
	}
	return &Completion{
		FlowID:       f.ID,
		Service:      service,
		AdminService: adminService,
		Details:      details,
		Amount:       v.Fields[string(models.DataKeyTotal)],
		Caption:      caption,
		CustomerName: v.Fields[string(models.DataKeyName)],
	}, nil
}

func parseDecimal(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatLatLng(lat, lng float64) string {
	return formatNumber(lat) + ", " + formatNumber(lng)
}
