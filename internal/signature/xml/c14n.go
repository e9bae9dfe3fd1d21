package xml

import (
	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// Canonicalize returns the inclusive C14N 1.0 form (without comments) of el
// as it appears inside its document. Namespace declarations in scope from
// ancestors are carried onto the output element, and CDATA sections are
// emitted as escaped text.
func Canonicalize(el *etree.Element) ([]byte, error) {
	return canonicalizeExcluding(el, nil)
}

// canonicalizeExcluding canonicalizes el as if exclude, a descendant, were
// absent. This is the enveloped-signature transform followed by C14N.
func canonicalizeExcluding(el, exclude *etree.Element) ([]byte, error) {
	if exclude != nil {
		if parent := exclude.Parent(); parent != nil {
			idx := exclude.Index()
			parent.RemoveChildAt(idx)
			defer parent.InsertChildAt(idx, exclude)
		}
	}

	detached := el.Copy()
	inheritNamespaces(detached, el.Parent())
	textifyCDATA(detached)

	return dsig.MakeC14N10RecCanonicalizer().Canonicalize(detached)
}

// inheritNamespaces declares on el every xmlns and xmlns:* binding in scope
// at ancestor that el does not redeclare
func inheritNamespaces(el, ancestor *etree.Element) {
	declared := make(map[string]bool)
	for _, a := range el.Attr {
		if isNamespaceDecl(a) {
			declared[a.FullKey()] = true
		}
	}

	for p := ancestor; p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if !isNamespaceDecl(a) || declared[a.FullKey()] {
				continue
			}
			declared[a.FullKey()] = true
			el.CreateAttr(a.FullKey(), a.Value)
		}
	}
}

func isNamespaceDecl(a etree.Attr) bool {
	return a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
}

func textifyCDATA(el *etree.Element) {
	for i := 0; i < len(el.Child); i++ {
		switch t := el.Child[i].(type) {
		case *etree.CharData:
			if t.IsCData() {
				el.RemoveChildAt(i)
				el.InsertChildAt(i, etree.NewText(t.Data))
			}
		case *etree.Element:
			textifyCDATA(t)
		}
	}
}
