package flow

import (
	"fmt"
	"maps"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func paymentSettings() map[string]string {
	return map[string]string{
		"BANK_NAME":       "FNB",
		"ACCOUNT_NUMBER":  "62000000000",
		"BRANCH_CODE":     "250655",
		"PAYSHARP_NUMBER": "0821234567",
	}
}

func ministrySettings() map[string]string {
	s := paymentSettings()
	s["PRICE_ONE_ON_ONE"] = "500"
	s["PRICE_OIL"] = "20"
	s["PRICE_SALT"] = "15"
	s["PRICE_HOUSE_VISIT"] = "800"
	return s
}

func transportSettings() map[string]string {
	s := paymentSettings()
	s["PRICE_TRANSFER_BASE"] = "150"
	s["PRICE_PER_KM"] = "8.75"
	s["PRICE_SHUTTLE_SEAT"] = "120"
	s["PRICE_PARCEL"] = "95"
	return s
}

func loadRouter(t testing.TB, name string, settings map[string]string) *Router {
	t.Helper()
	c, err := LoadCatalog(name, settings)
	require.NoError(t, err)
	return NewRouter(c)
}

func ministryRouter(t testing.TB) *Router {
	return loadRouter(t, "ministry", ministrySettings())
}

func transportRouter(t testing.TB) *Router {
	return loadRouter(t, "transport", transportSettings())
}

func namedSession(state models.StateType, data map[models.DataKey]string) *models.Session {
	s := models.NewSession("27821234567", testNow)
	s.Data[models.DataKeyName] = "Jane Doe"
	maps.Copy(s.Data, data)
	s.State = state
	return s
}

func text(s string) models.InboundEvent {
	return models.NewTextEvent("27821234567", "27821234567@s.whatsapp.net", s)
}

func image() models.InboundEvent {
	ev := text("")
	ev.HasImage = true
	return ev
}

func pin(lat, lng float64) models.InboundEvent {
	ev := text("")
	ev.HasLocation = true
	ev.Latitude = lat
	ev.Longitude = lng
	return ev
}

// step dispatches ev and applies the mutation the way the store would.
func step(r *Router, sess *models.Session, ev models.InboundEvent) Result {
	res := r.Dispatch(sess, ev)
	if res.Mutate {
		sess.Apply(res.State, res.Patch, testNow)
	}
	return res
}

func menuText(t testing.TB, r *Router) string {
	t.Helper()
	s, err := r.catalog.menu.render(r.catalog.view(nil))
	require.NoError(t, err)
	return s
}

// transcript renders a conversation for golden comparison.
type transcript struct {
	sb strings.Builder
}

func (tr *transcript) record(label string, res Result, sess *models.Session) {
	fmt.Fprintf(&tr.sb, "> %s\n", label)
	for _, reply := range res.Replies {
		fmt.Fprintf(&tr.sb, "< %s\n", reply)
	}
	if c := res.Completion; c != nil {
		fmt.Fprintf(&tr.sb, "* completion service=%q amount=%q details=%q\n", c.Service, c.Amount, c.Details)
		fmt.Fprintf(&tr.sb, "* caption %s\n", c.Caption)
	}
	fmt.Fprintf(&tr.sb, "= %s\n", sess.State)
}

func (tr *transcript) Bytes() []byte { return []byte(tr.sb.String()) }
