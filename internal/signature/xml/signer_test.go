package xml_test

import (
	"context"
	"crypto/x509"
	"strings"
	"testing"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/signature"
	xmlsig "github.com/rezonia/nfse-client/internal/signature/xml"
	"github.com/rezonia/nfse-client/internal/signature/trust"
	"github.com/rezonia/nfse-client/internal/testutil"
)

const consultaNFe = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<PedidoConsultaNFe xmlns="http://www.prefeitura.sp.gov.br/nfe">` +
	`<Cabecalho xmlns="" Versao="1"><CPFCNPJRemetente><CNPJ>12345678000195</CNPJ></CPFCNPJRemetente></Cabecalho>` +
	`<Detalhe xmlns=""><ChaveNFe><InscricaoPrestador>39616924</InscricaoPrestador><NumeroNFe>1060162</NumeroNFe>` +
	`<CodigoVerificacao>XLBXK7CR</CodigoVerificacao></ChaveNFe></Detalhe>` +
	`</PedidoConsultaNFe>`

const envioDPS = `<Envio xmlns="http://www.prefeitura.sp.gov.br/nfse" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">` +
	`<Cabecalho>lote</Cabecalho>` +
	`<DPS><Numero>1</Numero><Discriminacao><![CDATA[Consultoria & suporte <TI>]]></Discriminacao></DPS>` +
	`</Envio>`

func newSigner(t *testing.T) (*xmlsig.XMLSigner, *testutil.Credential) {
	t.Helper()
	cred := testutil.NewCredential(t, "EMPRESA TESTE LTDA:12345678000195")
	return xmlsig.NewXMLSigner(cred.Key, cred.Cert, xmlsig.WithIDGenerator(func() string { return "0f1e2d3c" })), cred
}

func TestSign_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		opts    signature.Options
		wantURI string
	}{
		{
			name:    "sha1 whole document",
			doc:     consultaNFe,
			opts:    signature.Options{Suite: signature.SuiteSHA1},
			wantURI: "",
		},
		{
			name:    "sha256 whole document with issuer serial",
			doc:     consultaNFe,
			opts:    signature.Options{Suite: signature.SuiteSHA256, IssuerSerial: true},
			wantURI: "",
		},
		{
			name:    "sha256 fragment on root with plain id",
			doc:     consultaNFe,
			opts:    signature.Options{Suite: signature.SuiteSHA256, Fragment: true, IDStyle: signature.IDStylePlain},
			wantURI: "#ID_0f1e2d3c",
		},
		{
			name:    "sha256 fragment on nested element with tag id",
			doc:     envioDPS,
			opts:    signature.Options{Suite: signature.SuiteSHA256, Target: "DPS", Fragment: true, IDStyle: signature.IDStyleTag, IssuerSerial: true},
			wantURI: "#DPS_0f1e2d3c",
		},
		{
			name:    "sha1 nested element referenced as document",
			doc:     envioDPS,
			opts:    signature.Options{Suite: signature.SuiteSHA1, Target: "DPS"},
			wantURI: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, cred := newSigner(t)

			signed, err := signer.Sign([]byte(tt.doc), tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantURI, signed.ReferenceURI)

			doc := etree.NewDocument()
			require.NoError(t, doc.ReadFromBytes(signed.XML))
			target := doc.Root()
			if tt.opts.Target != "" {
				target = doc.FindElement("//" + tt.opts.Target)
			}
			require.NotNil(t, target)

			children := target.ChildElements()
			last := children[len(children)-1]
			assert.Equal(t, "Signature", last.Tag, "signature must be the last child of the target")
			assert.Equal(t, xmlsig.XMLDSigNamespace, last.SelectAttrValue("xmlns", ""))
			assert.Equal(t, tt.wantURI, last.FindElement("SignedInfo/Reference").SelectAttrValue("URI", "missing"))
			assert.Len(t, last.FindElements("SignedInfo/Reference/Transforms/Transform"), 2)
			assert.Equal(t, tt.opts.Suite.SignatureURI, last.FindElement("SignedInfo/SignatureMethod").SelectAttrValue("Algorithm", ""))
			assert.Equal(t, tt.opts.IssuerSerial, last.FindElement("KeyInfo/X509Data/X509IssuerSerial") != nil)

			// a tag-style Id carries the element name; a document reference adds no Id
			if tt.opts.Fragment {
				assert.Equal(t, tt.wantURI[1:], target.SelectAttrValue("Id", ""))
			} else {
				assert.Empty(t, target.SelectAttrValue("Id", ""))
			}

			verifier := xmlsig.NewXMLVerifier(xmlsig.WithExpectedCertificate(cred.Cert))
			if tt.wantURI == "" && tt.opts.Target != "" {
				// URI="" addresses the whole document, which a nested signature does not cover
				return
			}
			result, err := verifier.Verify(context.Background(), signed.XML)
			require.NoError(t, err)
			assert.True(t, result.DigestValid, "digest: %v", result.Errors)
			assert.True(t, result.SignatureValid, "signature: %v", result.Errors)
			assert.True(t, result.Valid)
			assert.Equal(t, "EMPRESA TESTE LTDA", result.Signer.Name)
			assert.Equal(t, "12345678000195", result.Signer.TaxID)
		})
	}
}

func TestSign_CrossCheckWithGoXMLDSig(t *testing.T) {
	signer, cred := newSigner(t)

	for _, opts := range []signature.Options{
		{Suite: signature.SuiteSHA256},
		{Suite: signature.SuiteSHA256, IssuerSerial: true},
	} {
		signed, err := signer.Sign([]byte(consultaNFe), opts)
		require.NoError(t, err)

		doc := etree.NewDocument()
		require.NoError(t, doc.ReadFromBytes(signed.XML))

		ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
			Roots: []*x509.Certificate{cred.Cert},
		})
		ctx.IdAttribute = "Id"
		_, err = ctx.Validate(doc.Root())
		assert.NoError(t, err)
	}
}

func TestSign_ExistingIDIsKept(t *testing.T) {
	signer, _ := newSigner(t)
	doc := `<CancelarNfse xmlns="http://www.prefeitura.sp.gov.br/nfse" Id="CANC_1"><NumeroNfse>1</NumeroNfse></CancelarNfse>`

	signed, err := signer.Sign([]byte(doc), signature.Options{Suite: signature.SuiteSHA256, Fragment: true, IDStyle: signature.IDStylePlain})
	require.NoError(t, err)
	assert.Equal(t, "#CANC_1", signed.ReferenceURI)
}

func TestSign_Failures(t *testing.T) {
	signer, cred := newSigner(t)
	signed, err := signer.Sign([]byte(consultaNFe), signature.Options{Suite: signature.SuiteSHA1})
	require.NoError(t, err)

	tests := []struct {
		name     string
		signer   *xmlsig.XMLSigner
		doc      string
		opts     signature.Options
		wantCode string
	}{
		{"malformed", signer, "<PedidoConsultaNFe>", signature.Options{Suite: signature.SuiteSHA1}, model.SignCodeMalformedInput},
		{"missing target", signer, consultaNFe, signature.Options{Suite: signature.SuiteSHA1, Target: "DPS"}, model.SignCodeTargetNotFound},
		{"already signed", signer, string(signed.XML), signature.Options{Suite: signature.SuiteSHA1}, model.SignCodeMalformedInput},
		{"no suite", signer, consultaNFe, signature.Options{}, model.SignCodeUnsupportedAlgo},
		{"no key", xmlsig.NewXMLSigner(nil, cred.Cert), consultaNFe, signature.Options{Suite: signature.SuiteSHA1}, model.SignCodeKeyUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.signer.Sign([]byte(tt.doc), tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrSigning)

			var sigErr *model.SigningError
			require.ErrorAs(t, err, &sigErr)
			assert.Equal(t, tt.wantCode, sigErr.Code)
		})
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	signer, _ := newSigner(t)
	signed, err := signer.Sign([]byte(consultaNFe), signature.Options{Suite: signature.SuiteSHA1})
	require.NoError(t, err)

	tests := []struct {
		name          string
		mutate        func(string) string
		wantDigest    bool
		wantSignature bool
	}{
		{
			name:          "content changed",
			mutate:        func(s string) string { return strings.Replace(s, "1060162", "1060163", 1) },
			wantDigest:    false,
			wantSignature: true,
		},
		{
			name: "digest replaced",
			mutate: func(s string) string {
				start := strings.Index(s, "<DigestValue>") + len("<DigestValue>")
				return s[:start] + "AAAA" + s[start+4:]
			},
			wantDigest:    false,
			wantSignature: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := xmlsig.NewXMLVerifier().Verify(context.Background(), []byte(tt.mutate(string(signed.XML))))
			require.NoError(t, err)
			assert.Equal(t, tt.wantDigest, result.DigestValid)
			assert.Equal(t, tt.wantSignature, result.SignatureValid)
			assert.False(t, result.Valid)
		})
	}
}

func TestVerify_UnexpectedSigner(t *testing.T) {
	signer, _ := newSigner(t)
	other := testutil.NewCredential(t, "OUTRA EMPRESA")
	signed, err := signer.Sign([]byte(consultaNFe), signature.Options{Suite: signature.SuiteSHA1})
	require.NoError(t, err)

	result, err := xmlsig.NewXMLVerifier(xmlsig.WithExpectedCertificate(other.Cert)).Verify(context.Background(), signed.XML)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestVerify_NoSignature(t *testing.T) {
	result, err := xmlsig.NewXMLVerifier().Verify(context.Background(), []byte(consultaNFe))
	require.Error(t, err)

	var sigErr *signature.SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, signature.ErrCodeNoSignature, sigErr.Code)
	assert.False(t, result.SignatureFound)
}

func TestVerify_WithTrustStore(t *testing.T) {
	signer, cred := newSigner(t)
	signed, err := signer.Sign([]byte(consultaNFe), signature.Options{Suite: signature.SuiteSHA256})
	require.NoError(t, err)

	trusted := trust.NewTrustStore()
	trusted.AddCertificate(cred.Cert)
	result, err := xmlsig.NewXMLVerifier(xmlsig.WithTrustStore(trusted)).Verify(context.Background(), signed.XML)
	require.NoError(t, err)
	assert.True(t, result.ChainChecked)
	assert.True(t, result.CertChainValid)
	assert.True(t, result.Valid)

	untrusted := trust.NewTrustStore()
	result, err = xmlsig.NewXMLVerifier(xmlsig.WithTrustStore(untrusted)).Verify(context.Background(), signed.XML)
	require.NoError(t, err)
	assert.True(t, result.SignatureValid)
	assert.False(t, result.CertChainValid)
	assert.False(t, result.Valid)
}

func TestIssuerName(t *testing.T) {
	cred := testutil.NewCredential(t, "AC TESTE")
	assert.Equal(t, "CN=AC TESTE, O=ICP-Brasil, OU=Certificado PJ A1, C=BR", xmlsig.IssuerName(cred.Cert))
}
