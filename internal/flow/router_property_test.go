package flow

import (
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// eventPool covers every input shape the steps react to.
func eventPool() []models.InboundEvent {
	words := []string{"MENU", "start", "hello", "", "1", "2", "3", "4", "5", "0", "11", "7",
		"YES", "no", "maybe", "PAID", "skip", "TUESDAY", "sunday", "WEEKDAY", "12.5", "600", "Jane Doe"}
	pool := make([]models.InboundEvent, 0, len(words)+2)
	for _, w := range words {
		pool = append(pool, text(w))
	}
	return append(pool, image(), pin(-26.2, 28.0))
}

func newProperties(minSuccess int) *gopter.Properties {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = minSuccess
	return gopter.NewProperties(parameters)
}

func TestRouterProperties(t *testing.T) {
	pool := eventPool()
	routers := map[string]*Router{
		"ministry":  ministryRouter(t),
		"transport": transportRouter(t),
	}

	for name, r := range routers {
		states := r.Catalog().States()
		menu := menuText(t, r)
		properties := newProperties(200)

		properties.Property(name+": state stays inside the declared set", prop.ForAll(
			func(seq []int, named bool) bool {
				sess := models.NewSession("27820000000", testNow)
				if named {
					sess.Data[models.DataKeyName] = "Jane Doe"
				}
				for _, i := range seq {
					step(r, sess, pool[i])
					if !slices.Contains(states, sess.State) {
						return false
					}
				}
				return true
			},
			gen.SliceOf(gen.IntRange(0, len(pool)-1)),
			gen.Bool(),
		))

		properties.Property(name+": MENU from any state shows the menu and keeps data", prop.ForAll(
			func(stateIdx int, command string) bool {
				sess := namedSession(states[stateIdx], map[models.DataKey]string{"quantity": "4"})
				res := step(r, sess, text(command))
				return sess.State == models.StateMenuShown &&
					len(res.Replies) == 1 && res.Replies[0] == menu &&
					sess.Get("quantity") == "4" && sess.HasName()
			},
			gen.IntRange(0, len(states)-1),
			gen.OneConstOf("MENU", "menu", "START", "Start"),
		))

		properties.Property(name+": a nameless user never sees the menu before the name prompt", prop.ForAll(
			func(stateIdx, evIdx int) bool {
				state := states[stateIdx]
				if state == models.StateNameCollection {
					return true
				}
				sess := models.NewSession("27820000000", testNow)
				sess.State = state
				res := step(r, sess, pool[evIdx])
				return !slices.Contains(res.Replies, menu)
			},
			gen.IntRange(0, len(states)-1),
			gen.IntRange(0, len(pool)-1),
		))

		properties.TestingRun(t)
	}
}

func TestQuantityPricingProperty(t *testing.T) {
	properties := newProperties(50)

	properties.Property("per-unit total is quantity times unit price", prop.ForAll(
		func(qty, price int) bool {
			s := ministrySettings()
			s["PRICE_OIL"] = strconv.Itoa(price)
			c, err := LoadCatalog("ministry", s)
			if err != nil {
				return false
			}
			r := NewRouter(c)
			sess := namedSession(models.StateMenuShown, nil)
			step(r, sess, text("2"))
			res := step(r, sess, text(strconv.Itoa(qty)))
			want := "Total: R" + strconv.Itoa(qty*price) + "\n"
			return sess.State == "PRODUCT_CONFIRM" && len(res.Replies) == 1 && strings.Contains(res.Replies[0], want)
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 5000),
	))

	properties.Property("out-of-range quantity leaves the state unchanged", prop.ForAll(
		func(qty int) bool {
			r := ministryRouter(t)
			sess := namedSession(models.StateMenuShown, nil)
			step(r, sess, text("2"))
			res := step(r, sess, text(strconv.Itoa(qty)))
			return !res.Mutate && sess.State == "PRODUCT_QUANTITY"
		},
		gen.OneGenOf(gen.IntRange(-1000, 0), gen.IntRange(11, 1000)),
	))

	properties.TestingRun(t)
}
