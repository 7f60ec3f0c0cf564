package detect

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/kure29/vpsmonitor/config"
	"github.com/kure29/vpsmonitor/store"
)

// DomDetector (D2) inspects the rendered DOM for cart/buy affordances,
// preferring a vendor-specific selector rule over the generic one.
// Grounded on domwatch/internal/observer's selector-resolution idiom
// and the vendor registry of config.VendorRule.
type DomDetector struct {
	vendors []config.VendorRule
}

func NewDomDetector(vendors []config.VendorRule) *DomDetector {
	return &DomDetector{vendors: vendors}
}

func (d *DomDetector) Name() string    { return "dom" }
func (d *DomDetector) Weight() float64 { return 0.35 }

func (d *DomDetector) Run(ctx context.Context, in Input) (Result, error) {
	body := in.Fetch.RenderedBody
	if len(body) == 0 {
		body = in.Fetch.RawBody
	}
	if len(body) == 0 {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: "no body to render"}, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: "unparseable dom"}, nil
	}

	if rule := d.vendorRuleFor(in.Item); rule != nil {
		if res, ok := d.runVendorRule(doc, *rule); ok {
			return res, nil
		}
	}

	return d.runGenericRule(doc), nil
}

func (d *DomDetector) vendorRuleFor(item *store.Item) *config.VendorRule {
	if item == nil || item.VendorTag == "" {
		return nil
	}
	for _, v := range d.vendors {
		if v.Tag == item.VendorTag {
			return &v
		}
	}
	return nil
}

func (d *DomDetector) runVendorRule(doc *goquery.Document, rule config.VendorRule) (Result, bool) {
	if rule.SoldOutSelector != "" && doc.Find(rule.SoldOutSelector).Length() > 0 {
		return Result{Detector: d.Name(), Verdict: store.VerdictUnavailable, Confidence: 0.8, Evidence: "vendor sold-out selector matched"}, true
	}
	if rule.CartSelector != "" {
		sel := doc.Find(rule.CartSelector)
		if sel.Length() > 0 {
			if isDisabled(sel) {
				return Result{Detector: d.Name(), Verdict: store.VerdictUnavailable, Confidence: 0.8, Evidence: "vendor cart selector disabled"}, true
			}
			return Result{Detector: d.Name(), Verdict: store.VerdictAvailable, Confidence: 0.8, Evidence: "vendor cart selector present"}, true
		}
	}
	return Result{}, false
}

func (d *DomDetector) runGenericRule(doc *goquery.Document) Result {
	var found *goquery.Selection
	doc.Find("form").EachWithBreak(func(i int, form *goquery.Selection) bool {
		action, _ := form.Attr("action")
		action = strings.ToLower(action)
		if strings.Contains(action, "cart") || strings.Contains(action, "add") || strings.Contains(action, "buy") {
			sel := form
			found = sel
			return false
		}
		return true
	})

	if found == nil {
		doc.Find("button, a, input[type=submit]").EachWithBreak(func(i int, s *goquery.Selection) bool {
			text := strings.ToLower(s.Text())
			href, _ := s.Attr("href")
			if strings.Contains(text, "cart") || strings.Contains(text, "buy") || strings.Contains(strings.ToLower(href), "cart") {
				found = s
				return false
			}
			return true
		})
	}

	if found == nil {
		return Result{Detector: "dom", Verdict: store.VerdictInconclusive, Evidence: "no cart/buy affordance found"}
	}
	if isDisabled(found) {
		return Result{Detector: "dom", Verdict: store.VerdictUnavailable, Confidence: 0.8, Evidence: "cart/buy affordance disabled"}
	}
	return Result{Detector: "dom", Verdict: store.VerdictAvailable, Confidence: 0.8, Evidence: "cart/buy affordance present and enabled"}
}

func isDisabled(sel *goquery.Selection) bool {
	if _, ok := sel.Attr("disabled"); ok {
		return true
	}
	class, _ := sel.Attr("class")
	return strings.Contains(strings.ToLower(class), "disabled")
}
