// Package flow implements the table-driven conversation engine: catalogs of ordering
// flows loaded from YAML and the router that runs a session through them.
package flow

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// Catalog validation errors.
var (
	ErrUnknownCatalog = errors.New("unknown catalog")
	ErrInvalidCatalog = errors.New("invalid catalog")
)

//go:embed catalogs/*.yaml
var embeddedCatalogs embed.FS

var (
	registryMu sync.RWMutex
	registry   = make(map[string][]byte)
)

// Register makes a catalog document available to LoadCatalog under name.
func Register(name string, raw []byte) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = raw
}

// Names lists the registered catalogs in order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	entries, err := fs.ReadDir(embeddedCatalogs, "catalogs")
	if err != nil {
		panic(err)
	}
	for _, e := range entries {
		raw, err := embeddedCatalogs.ReadFile(path.Join("catalogs", e.Name()))
		if err != nil {
			panic(err)
		}
		Register(strings.TrimSuffix(e.Name(), path.Ext(e.Name())), raw)
	}
}

// StepKind selects how a step parses its input.
type StepKind string

const (
	KindText     StepKind = "text"
	KindNumber   StepKind = "number"
	KindDecimal  StepKind = "decimal"
	KindChoice   StepKind = "choice"
	KindLocation StepKind = "location"
	KindConfirm  StepKind = "confirm"
	KindPayment  StepKind = "payment"
	KindProof    StepKind = "proof"
)

// Default keywords.
const (
	KeywordYes  = "YES"
	KeywordNo   = "NO"
	KeywordPaid = "PAID"
)

// Catalog is one service domain: its menu, its flows and every step state they declare.
type Catalog struct {
	Name     string
	Business string
	Tagline  string

	settings map[string]string
	menu     *tmpl
	msgs     messages
	options  []*MenuOption
	byKey    map[string]*MenuOption
	flows    map[string]*Flow
	steps    map[models.StateType]*Step
}

type messages struct {
	askName, nameThanks, nameInvalid *tmpl
	invalidOption, fallback          *tmpl
	cancelled, confirmInvalid        *tmpl
	payment                          []*tmpl
	proof, proofInvalid              *tmpl
}

// MenuOption maps a menu key to the flow it starts and the fields it seeds.
type MenuOption struct {
	Key  string
	Flow *Flow
	set  map[models.DataKey]*tmpl
}

// Flow is an ordered chain of steps ending in a proof step.
type Flow struct {
	ID      string
	Pricing *Pricing
	Steps   []*Step

	service      *tmpl
	adminService *tmpl
	intro        []*tmpl
	details      []*tmpl
	caption      *tmpl
}

// Step describes one state: what it asks, how it validates, where it goes next.
type Step struct {
	State        models.StateType
	Kind         StepKind
	Field        models.DataKey
	PendingField models.DataKey
	Choices      []string
	Min, Max     float64
	Keyword      string
	Strict       bool
	AcceptText   bool

	flow    *Flow
	next    *Step
	prompt  []*tmpl
	invalid *tmpl
	ack     *tmpl
	cancel  *tmpl
}

// Flow returns the flow the step belongs to.
func (s *Step) Flow() *Flow { return s.flow }

// Next returns the following step, nil for the proof step.
func (s *Step) Next() *Step { return s.next }

// LoadCatalog parses the registered catalog name against settings.
func LoadCatalog(name string, settings map[string]string) (*Catalog, error) {
	registryMu.RLock()
	raw, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownCatalog, name, strings.Join(Names(), ", "))
	}
	c, err := ParseCatalog(raw, settings)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", name, err)
	}
	slog.Info("Catalog loaded", "catalog", c.Name, "business", c.Business, "flows", len(c.flows), "steps", len(c.steps))
	return c, nil
}

// ParseCatalog decodes, compiles and validates a catalog document. Every template is
// rendered once along every path through every flow, so a template that refers to a
// field not yet collected or to a missing setting fails here.
func ParseCatalog(raw []byte, settings map[string]string) (*Catalog, error) {
	var doc catalogDoc
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidCatalog, err)
	}
	c, err := build(&doc, settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := c.dryRun(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return c, nil
}

// States returns the universal states followed by every declared step state.
func (c *Catalog) States() []models.StateType {
	out := []models.StateType{models.StateIdle, models.StateMenuShown, models.StateNameCollection}
	declared := make([]models.StateType, 0, len(c.steps))
	for s := range c.steps {
		declared = append(declared, s)
	}
	slices.Sort(declared)
	return append(out, declared...)
}

// HasState reports whether s is universal or declared by a flow of this catalog.
func (c *Catalog) HasState(s models.StateType) bool {
	if models.IsUniversalState(s) {
		return true
	}
	_, ok := c.steps[s]
	return ok
}

// Step returns the step declared for state s.
func (c *Catalog) Step(s models.StateType) (*Step, bool) {
	st, ok := c.steps[s]
	return st, ok
}

// Options returns the menu options in menu order.
func (c *Catalog) Options() []*MenuOption {
	return slices.Clone(c.options)
}

// Setting returns a configured setting, "" when unset.
func (c *Catalog) Setting(key string) string {
	return c.settings[key]
}

func (c *Catalog) view(fields map[string]string) view {
	return view{Business: c.Business, Fields: fields, Settings: c.settings}
}

// Document shapes.

type catalogDoc struct {
	Name     string      `yaml:"name"`
	Business string      `yaml:"business"`
	Tagline  string      `yaml:"tagline"`
	Menu     string      `yaml:"menu"`
	Messages messagesDoc `yaml:"messages"`
	Options  []optionDoc `yaml:"options"`
	Flows    []flowDoc   `yaml:"flows"`
}

type messagesDoc struct {
	AskName        string   `yaml:"ask_name"`
	NameThanks     string   `yaml:"name_thanks"`
	NameInvalid    string   `yaml:"name_invalid"`
	InvalidOption  string   `yaml:"invalid_option"`
	Fallback       string   `yaml:"fallback"`
	Cancelled      string   `yaml:"cancelled"`
	ConfirmInvalid string   `yaml:"confirm_invalid"`
	Payment        []string `yaml:"payment"`
	Proof          string   `yaml:"proof"`
	ProofInvalid   string   `yaml:"proof_invalid"`
}

type optionDoc struct {
	Key  string            `yaml:"key"`
	Flow string            `yaml:"flow"`
	Set  map[string]string `yaml:"set"`
}

type flowDoc struct {
	ID           string      `yaml:"id"`
	Service      string      `yaml:"service"`
	AdminService string      `yaml:"admin_service"`
	Intro        []string    `yaml:"intro"`
	Pricing      *pricingDoc `yaml:"pricing"`
	Steps        []stepDoc   `yaml:"steps"`
	Receipt      receiptDoc  `yaml:"receipt"`
}

type pricingDoc struct {
	Kind      string `yaml:"kind"`
	Amount    string `yaml:"amount"`
	Quantity  string `yaml:"quantity"`
	UnitPrice string `yaml:"unit_price"`
	Distance  string `yaml:"distance"`
	Base      string `yaml:"base"`
	PerKm     string `yaml:"per_km"`
}

type stepDoc struct {
	State        string   `yaml:"state"`
	Kind         string   `yaml:"kind"`
	Field        string   `yaml:"field"`
	PendingField string   `yaml:"pending_field"`
	Choices      []string `yaml:"choices"`
	Min          *float64 `yaml:"min"`
	Max          *float64 `yaml:"max"`
	Keyword      string   `yaml:"keyword"`
	Strict       *bool    `yaml:"strict"`
	AcceptText   bool     `yaml:"accept_text"`
	Prompt       []string `yaml:"prompt"`
	Invalid      string   `yaml:"invalid"`
	Ack          string   `yaml:"ack"`
	Cancel       string   `yaml:"cancel"`
	Next         string   `yaml:"next"`
}

type receiptDoc struct {
	Details []string `yaml:"details"`
	Caption string   `yaml:"caption"`
}

func build(doc *catalogDoc, settings map[string]string) (*Catalog, error) {
	if doc.Name == "" {
		return nil, errors.New("name is required")
	}
	c := &Catalog{
		Name:     doc.Name,
		Business: doc.Business,
		Tagline:  doc.Tagline,
		settings: make(map[string]string, len(settings)),
		byKey:    make(map[string]*MenuOption),
		flows:    make(map[string]*Flow),
		steps:    make(map[models.StateType]*Step),
	}
	for k, v := range settings {
		c.settings[k] = v
	}
	if b := settings["BUSINESS_NAME"]; b != "" {
		c.Business = b
	}
	if c.Business == "" {
		return nil, errors.New("business name is required")
	}
	if doc.Menu == "" {
		return nil, errors.New("menu is required")
	}

	var err error
	if c.menu, err = compile("menu", doc.Menu); err != nil {
		return nil, err
	}
	if err := c.buildMessages(&doc.Messages); err != nil {
		return nil, err
	}
	for i := range doc.Flows {
		if err := c.buildFlow(&doc.Flows[i]); err != nil {
			return nil, err
		}
	}
	if len(doc.Options) == 0 {
		return nil, errors.New("at least one menu option is required")
	}
	for i, od := range doc.Options {
		if od.Key == "" {
			return nil, fmt.Errorf("option %d: key is required", i)
		}
		if _, dup := c.byKey[od.Key]; dup {
			return nil, fmt.Errorf("option %q declared twice", od.Key)
		}
		f, ok := c.flows[od.Flow]
		if !ok {
			return nil, fmt.Errorf("option %q: unknown flow %q", od.Key, od.Flow)
		}
		opt := &MenuOption{Key: od.Key, Flow: f, set: make(map[models.DataKey]*tmpl, len(od.Set))}
		for k, src := range od.Set {
			if err := checkWritable(models.DataKey(k)); err != nil {
				return nil, fmt.Errorf("option %q: %w", od.Key, err)
			}
			if opt.set[models.DataKey(k)], err = compile(fmt.Sprintf("option %s set %s", od.Key, k), src); err != nil {
				return nil, err
			}
		}
		c.options = append(c.options, opt)
		c.byKey[od.Key] = opt
	}
	return c, nil
}

func (c *Catalog) buildMessages(m *messagesDoc) error {
	required := map[string]string{
		"ask_name":        m.AskName,
		"name_thanks":     m.NameThanks,
		"name_invalid":    m.NameInvalid,
		"invalid_option":  m.InvalidOption,
		"fallback":        m.Fallback,
		"cancelled":       m.Cancelled,
		"confirm_invalid": m.ConfirmInvalid,
		"proof":           m.Proof,
		"proof_invalid":   m.ProofInvalid,
	}
	compiled := make(map[string]*tmpl, len(required))
	for name, src := range required {
		if src == "" {
			return fmt.Errorf("message %s is required", name)
		}
		t, err := compile("messages."+name, src)
		if err != nil {
			return err
		}
		compiled[name] = t
	}
	if len(m.Payment) == 0 {
		return errors.New("message payment is required")
	}
	payment, err := compileAll("messages.payment", m.Payment)
	if err != nil {
		return err
	}
	c.msgs = messages{
		askName:        compiled["ask_name"],
		nameThanks:     compiled["name_thanks"],
		nameInvalid:    compiled["name_invalid"],
		invalidOption:  compiled["invalid_option"],
		fallback:       compiled["fallback"],
		cancelled:      compiled["cancelled"],
		confirmInvalid: compiled["confirm_invalid"],
		payment:        payment,
		proof:          compiled["proof"],
		proofInvalid:   compiled["proof_invalid"],
	}
	return nil
}

func (c *Catalog) buildFlow(fd *flowDoc) error {
	if fd.ID == "" {
		return errors.New("flow id is required")
	}
	if _, dup := c.flows[fd.ID]; dup {
		return fmt.Errorf("flow %q declared twice", fd.ID)
	}
	if fd.Service == "" {
		return fmt.Errorf("flow %s: service is required", fd.ID)
	}
	if len(fd.Steps) == 0 {
		return fmt.Errorf("flow %s: at least one step is required", fd.ID)
	}
	if fd.Pricing == nil {
		return fmt.Errorf("flow %s: pricing is required", fd.ID)
	}
	if fd.Receipt.Caption == "" {
		return fmt.Errorf("flow %s: receipt caption is required", fd.ID)
	}

	f := &Flow{ID: fd.ID}
	var err error
	if f.service, err = compile(fd.ID+".service", fd.Service); err != nil {
		return err
	}
	adminService := fd.AdminService
	if adminService == "" {
		adminService = fd.Service
	}
	if f.adminService, err = compile(fd.ID+".admin_service", adminService); err != nil {
		return err
	}
	if f.intro, err = compileAll(fd.ID+".intro", fd.Intro); err != nil {
		return err
	}
	if f.details, err = compileAll(fd.ID+".receipt.details", fd.Receipt.Details); err != nil {
		return err
	}
	if f.caption, err = compile(fd.ID+".receipt.caption", fd.Receipt.Caption); err != nil {
		return err
	}
	if f.Pricing, err = buildPricing(fd.ID, fd.Pricing); err != nil {
		return err
	}

	byState := make(map[models.StateType]*Step, len(fd.Steps))
	nextName := make(map[*Step]string, len(fd.Steps))
	for i := range fd.Steps {
		st, err := c.buildStep(f, &fd.Steps[i])
		if err != nil {
			return fmt.Errorf("flow %s: %w", fd.ID, err)
		}
		f.Steps = append(f.Steps, st)
		byState[st.State] = st
		nextName[st] = fd.Steps[i].Next
	}
	for i, st := range f.Steps {
		target := nextName[st]
		switch {
		case st.Kind == KindProof:
			if target != "" {
				return fmt.Errorf("flow %s: proof step %s cannot declare next", fd.ID, st.State)
			}
		case target != "":
			nxt, ok := byState[models.StateType(target)]
			if !ok {
				return fmt.Errorf("flow %s: step %s transitions to undeclared state %s", fd.ID, st.State, target)
			}
			st.next = nxt
		case i+1 < len(f.Steps):
			st.next = f.Steps[i+1]
		default:
			return fmt.Errorf("flow %s: last step %s must be a proof step", fd.ID, st.State)
		}
	}
	c.flows[f.ID] = f
	return nil
}

func buildPricing(flowID string, pd *pricingDoc) (*Pricing, error) {
	p := &Pricing{Kind: PricingKind(pd.Kind)}
	var err error
	req := func(name, src string) (*tmpl, error) {
		if src == "" {
			return nil, fmt.Errorf("flow %s: pricing %s requires %s", flowID, pd.Kind, name)
		}
		return compile(flowID+".pricing."+name, src)
	}
	switch p.Kind {
	case PricingFixed:
		p.amount, err = req("amount", pd.Amount)
	case PricingPerUnit:
		if pd.Quantity == "" {
			return nil, fmt.Errorf("flow %s: pricing per_unit requires quantity", flowID)
		}
		p.Quantity = models.DataKey(pd.Quantity)
		p.unitPrice, err = req("unit_price", pd.UnitPrice)
	case PricingDistance:
		if pd.Distance == "" {
			return nil, fmt.Errorf("flow %s: pricing distance requires distance", flowID)
		}
		p.Distance = models.DataKey(pd.Distance)
		if p.base, err = req("base", pd.Base); err != nil {
			return nil, err
		}
		p.perKm, err = req("per_km", pd.PerKm)
	default:
		return nil, fmt.Errorf("flow %s: unknown pricing kind %q", flowID, pd.Kind)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Catalog) buildStep(f *Flow, sd *stepDoc) (*Step, error) {
	st := &Step{
		State:        models.StateType(sd.State),
		Kind:         StepKind(sd.Kind),
		Field:        models.DataKey(sd.Field),
		PendingField: models.DataKey(sd.PendingField),
		Keyword:      strings.ToUpper(sd.Keyword),
		Strict:       true,
		AcceptText:   sd.AcceptText,
		flow:         f,
	}
	if st.State == "" {
		return nil, errors.New("step state is required")
	}
	if models.IsUniversalState(st.State) {
		return nil, fmt.Errorf("step %s reuses a universal state", st.State)
	}
	if _, dup := c.steps[st.State]; dup {
		return nil, fmt.Errorf("state %s declared twice", st.State)
	}
	if sd.Strict != nil {
		st.Strict = *sd.Strict
	}
	for _, ch := range sd.Choices {
		st.Choices = append(st.Choices, strings.ToUpper(ch))
	}
	if sd.Min != nil {
		st.Min = *sd.Min
	}
	if sd.Max != nil {
		st.Max = *sd.Max
	}

	switch st.Kind {
	case KindText, KindLocation:
	case KindNumber, KindDecimal:
		if sd.Min == nil || sd.Max == nil || st.Min > st.Max {
			return nil, fmt.Errorf("step %s: %s requires min <= max", st.State, st.Kind)
		}
	case KindChoice:
		if len(st.Choices) == 0 {
			return nil, fmt.Errorf("step %s: choice requires choices", st.State)
		}
	case KindConfirm, KindProof:
	case KindPayment:
		if st.Keyword == "" {
			st.Keyword = KeywordPaid
		}
	default:
		return nil, fmt.Errorf("step %s: unknown kind %q", st.State, sd.Kind)
	}
	switch st.Kind {
	case KindText, KindNumber, KindDecimal, KindChoice, KindLocation:
		if st.Field == "" {
			return nil, fmt.Errorf("step %s: %s requires field", st.State, st.Kind)
		}
		if err := checkWritable(st.Field); err != nil {
			return nil, fmt.Errorf("step %s: %w", st.State, err)
		}
	}
	if st.Kind == KindLocation {
		if (st.PendingField == "") != (st.Keyword == "") {
			return nil, fmt.Errorf("step %s: location keyword and pending_field go together", st.State)
		}
		if st.PendingField != "" {
			if err := checkWritable(st.PendingField); err != nil {
				return nil, fmt.Errorf("step %s: %w", st.State, err)
			}
		}
	}

	name := string(st.State)
	var err error
	if st.prompt, err = compileAll(name+".prompt", sd.Prompt); err != nil {
		return nil, err
	}
	if st.invalid, err = compileOptional(name+".invalid", sd.Invalid); err != nil {
		return nil, err
	}
	if st.ack, err = compileOptional(name+".ack", sd.Ack); err != nil {
		return nil, err
	}
	if st.cancel, err = compileOptional(name+".cancel", sd.Cancel); err != nil {
		return nil, err
	}
	switch st.Kind {
	case KindPayment:
		if len(st.prompt) == 0 {
			st.prompt = c.msgs.payment
		}
	case KindProof:
		if len(st.prompt) == 0 {
			st.prompt = []*tmpl{c.msgs.proof}
		}
		if st.invalid == nil {
			st.invalid = c.msgs.proofInvalid
		}
	case KindConfirm:
		if st.invalid == nil {
			st.invalid = c.msgs.confirmInvalid
		}
		if st.cancel == nil {
			st.cancel = c.msgs.cancelled
		}
	default:
		if len(st.prompt) == 0 {
			return nil, fmt.Errorf("step %s: prompt is required", st.State)
		}
		if st.invalid == nil {
			return nil, fmt.Errorf("step %s: invalid is required", st.State)
		}
	}
	c.steps[st.State] = st
	return st, nil
}

func checkWritable(k models.DataKey) error {
	switch k {
	case models.DataKeyName, models.DataKeyTotal, models.DataKeyFlow, models.DataKeyService:
		return fmt.Errorf("field %q is reserved", k)
	}
	return nil
}

// dryRun renders every template once with sample values along each menu option's path,
// supplying only the fields guaranteed to be collected at that point.
func (c *Catalog) dryRun() error {
	base := map[string]string{string(models.DataKeyName): "Sample Name"}
	static := []*tmpl{c.menu, c.msgs.askName, c.msgs.nameInvalid, c.msgs.invalidOption, c.msgs.fallback,
		c.msgs.cancelled, c.msgs.confirmInvalid, c.msgs.proof, c.msgs.proofInvalid, c.msgs.nameThanks}
	static = append(static, c.msgs.payment...)
	if _, err := renderAll(static, c.view(base)); err != nil {
		return err
	}
	for _, opt := range c.options {
		if err := c.dryRunOption(opt, cloneFields(base)); err != nil {
			return fmt.Errorf("option %s: %w", opt.Key, err)
		}
	}
	return nil
}

func (c *Catalog) dryRunOption(opt *MenuOption, g map[string]string) error {
	f := opt.Flow
	if err := c.seed(opt, g); err != nil {
		return err
	}
	if _, err := renderAll(f.intro, c.view(g)); err != nil {
		return err
	}
	visited := make(map[*Step]bool)
	for st := f.Steps[0]; st != nil; st = st.next {
		if visited[st] {
			return fmt.Errorf("flow %s: cycle at %s", f.ID, st.State)
		}
		visited[st] = true
		v := c.view(g)
		if _, err := renderAll(st.prompt, v); err != nil {
			return err
		}
		for _, t := range []*tmpl{st.invalid, st.cancel} {
			if _, err := t.render(v); err != nil {
				return err
			}
		}
		if st.Kind == KindProof {
			if g[string(models.DataKeyTotal)] == "" {
				return fmt.Errorf("flow %s: total is not known at %s", f.ID, st.State)
			}
			_, err := c.completion(st, v)
			return err
		}
		if st.Field != "" && st.PendingField == "" {
			g[string(st.Field)] = sampleValue(st)
		}
		if err := c.price(f, g); err != nil {
			return err
		}
		if _, err := st.ack.render(c.view(g)); err != nil {
			return err
		}
	}
	return fmt.Errorf("flow %s: no proof step reached", f.ID)
}

func sampleValue(st *Step) string {
	switch st.Kind {
	case KindNumber, KindDecimal:
		return formatNumber(st.Min)
	case KindChoice:
		return st.Choices[0]
	case KindLocation:
		return "0, 0"
	default:
		return "Sample"
	}
}

// seed writes the fields a menu option sets before the first step.
func (c *Catalog) seed(opt *MenuOption, fields map[string]string) error {
	keys := make([]models.DataKey, 0, len(opt.set))
	for k := range opt.set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v, err := opt.set[k].render(c.view(fields))
		if err != nil {
			return err
		}
		fields[string(k)] = v
	}
	fields[string(models.DataKeyFlow)] = opt.Flow.ID
	svc, err := opt.Flow.service.render(c.view(fields))
	if err != nil {
		return err
	}
	fields[string(models.DataKeyService)] = svc
	return c.price(opt.Flow, fields)
}

// price writes total once the flow's pricing inputs are present.
func (c *Catalog) price(f *Flow, fields map[string]string) error {
	if f.Pricing == nil || !f.Pricing.Ready(fields) {
		return nil
	}
	total, err := f.Pricing.Total(c.view(fields))
	if err != nil {
		return fmt.Errorf("flow %s pricing: %w", f.ID, err)
	}
	fields[string(models.DataKeyTotal)] = total
	return nil
}
