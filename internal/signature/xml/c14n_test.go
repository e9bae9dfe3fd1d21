package xml_test

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xmlsig "github.com/rezonia/nfse-client/internal/signature/xml"
)

func parse(t *testing.T, s string) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(s))
	return doc
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		path string
		want string
	}{
		{
			name: "attributes sorted and empty element expanded",
			doc:  `<Cabecalho Versao="1" Ambiente="2"><Vazio/></Cabecalho>`,
			path: "/Cabecalho",
			want: `<Cabecalho Ambiente="2" Versao="1"><Vazio></Vazio></Cabecalho>`,
		},
		{
			name: "unqualified children keep xmlns reset",
			doc:  `<Pedido xmlns="urn:nfe"><Cabecalho xmlns="">x</Cabecalho></Pedido>`,
			path: "/Pedido",
			want: `<Pedido xmlns="urn:nfe"><Cabecalho xmlns="">x</Cabecalho></Pedido>`,
		},
		{
			name: "inherited namespaces declared on subtree",
			doc:  `<a:Root xmlns:a="urn:a" xmlns="urn:d"><Child>t</Child></a:Root>`,
			path: "//Child",
			want: `<Child xmlns="urn:d" xmlns:a="urn:a">t</Child>`,
		},
		{
			name: "cdata becomes escaped text",
			doc:  `<Servico><Discriminacao><![CDATA[Consultoria & suporte <TI>]]></Discriminacao></Servico>`,
			path: "/Servico",
			want: `<Servico><Discriminacao>Consultoria &amp; suporte &lt;TI&gt;</Discriminacao></Servico>`,
		},
		{
			name: "comments removed",
			doc:  `<Lote><!-- rascunho --><Qtd>2</Qtd></Lote>`,
			path: "/Lote",
			want: `<Lote><Qtd>2</Qtd></Lote>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := parse(t, tt.doc)
			el := doc.FindElement(tt.path)
			require.NotNil(t, el)

			got, err := xmlsig.Canonicalize(el)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	doc := parse(t, consultaNFe)

	first, err := xmlsig.Canonicalize(doc.Root())
	require.NoError(t, err)
	second, err := xmlsig.Canonicalize(doc.Root())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	reparsed := parse(t, string(first))
	third, err := xmlsig.Canonicalize(reparsed.Root())
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestCanonicalize_LeavesDocumentUntouched(t *testing.T) {
	doc := parse(t, envioDPS)
	before, err := doc.WriteToString()
	require.NoError(t, err)

	_, err = xmlsig.Canonicalize(doc.FindElement("//DPS"))
	require.NoError(t, err)

	after, err := doc.WriteToString()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
