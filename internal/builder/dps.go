package builder

import (
	"strconv"

	"github.com/beevik/etree"

	"github.com/rezonia/nfse-client/internal/decimal"
	"github.com/rezonia/nfse-client/internal/model"
)

const dateTimeLayout = "2006-01-02T15:04:05"

// writeDPS appends a DPS element, declaring ns on it when ns is not empty.
// Discriminacao is carried as CDATA.
func writeDPS(parent *etree.Element, ns, cnpj, registration string, rec normalized) *etree.Element {
	dps := parent.CreateElement("DPS")
	if ns != "" {
		dps.CreateAttr("xmlns", ns)
	}

	ident := dps.CreateElement("IdentificacaoDPS")
	text(ident, "Numero", rec.Number)
	text(ident, "Serie", rec.Series)
	text(ident, "Tipo", rec.Type)
	text(ident, "DataEmissao", rec.IssueDate.Format(dateTimeLayout))
	text(ident, "Status", rec.Status)

	provider := dps.CreateElement("Prestador")
	text(provider, "Cnpj", cnpj)
	text(provider, "InscricaoMunicipal", registration)

	taker := dps.CreateElement("Tomador")
	if rec.Payer.Name != "" {
		text(taker, "RazaoSocial", rec.Payer.Name)
	}
	text(taker, "CpfCnpj", rec.payerID)
	if rec.Payer.Email != "" {
		text(taker, "Email", rec.Payer.Email)
	}

	service := dps.CreateElement("Servico")
	text(service, "CodigoTributacaoMunicipio", rec.ServiceCode)
	cdata(service, "Discriminacao", rec.Description)
	text(service, "ValorServicos", decimal.FormatMoney(rec.ServiceAmount))
	text(service, "ValorDeducoes", decimal.FormatMoney(rec.DeductionAmount))
	text(service, "Aliquota", decimal.FormatRate(rec.TaxRate))
	text(service, "IssRetido", strconv.FormatBool(rec.ISSWithheld))
	return dps
}

// SubmitDPS builds a standalone DPS document
func (b *Builder) SubmitDPS(record model.InvoiceRecord) (*model.UnsignedDocument, error) {
	verr := &model.ValidationError{}
	cnpj, registration := b.checkIdentity(verr)
	rec := b.normalize(record)
	verr.Merge("", validateRecord(rec))
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	writeDPS(&doc.Element, NamespaceNFSe, cnpj, registration, rec)

	return finish(doc, model.OpSubmit, model.FamilyDPS, NamespaceNFSe)
}

// SubmitDPSBatch builds a LoteDPS. The batch id defaults to a fresh uuid.
func (b *Builder) SubmitDPSBatch(batch model.BatchRecord) (*model.UnsignedDocument, error) {
	verr := &model.ValidationError{}
	cnpj, registration := b.checkIdentity(verr)
	records, totals := b.prepareBatch(batch, verr)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	id := batch.ID
	if id == "" {
		id = b.newID()
	}

	doc, root := newDocument("LoteDPS", NamespaceNFSe)
	text(root, "IdentificacaoLote", id)
	text(root, "QuantidadeDPS", strconv.Itoa(totals.count))
	text(root, "ValorTotalServicos", totals.services)
	list := root.CreateElement("ListaDPS")
	for _, rec := range records {
		writeDPS(list, "", cnpj, registration, rec)
	}

	return finish(doc, model.OpSubmitBatch, model.FamilyDPS, NamespaceNFSe)
}

// CancelDPS builds a CancelarNfse. The reason is mandatory.
func (b *Builder) CancelDPS(invoiceNumber, verificationCode, reason string) (*model.UnsignedDocument, error) {
	verr := &model.ValidationError{}
	cnpj, registration := b.checkIdentity(verr)
	number := checkNumber(verr, "invoice_number", invoiceNumber)
	reason = FreeText(reason)
	requireText(verr, "reason", reason, "cancellation reason is required")
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	doc, root := newDocument("CancelarNfse", NamespaceNFSe)
	text(root, "NumeroNfse", number)
	if code := VerificationCode(verificationCode); code != "" {
		text(root, "CodigoVerificacao", code)
	}
	text(root, "Cnpj", cnpj)
	text(root, "InscricaoMunicipal", registration)
	text(root, "MotivoCancelamento", reason)

	return finish(doc, model.OpCancel, model.FamilyDPS, NamespaceNFSe)
}
