package builder

import (
	"strconv"

	"github.com/beevik/etree"

	"github.com/rezonia/nfse-client/internal/decimal"
	"github.com/rezonia/nfse-client/internal/model"
)

// RPSSignatureString returns the 86-character string signed into the
// Assinatura element of an RPS
func RPSSignatureString(registration string, rec model.InvoiceRecord) string {
	id, kind := ClassifyTaxID(rec.Payer.TaxID)
	indicator := "3"
	switch kind {
	case TaxIDCPF:
		indicator = "1"
	case TaxIDCNPJ:
		indicator = "2"
	default:
		id = ""
	}

	iss := "N"
	if rec.ISSWithheld {
		iss = "S"
	}

	return padLeft(Alphanumeric(registration), 8, '0') +
		padRight(rec.Series, 5, ' ') +
		padLeft(rec.Number, 12, '0') +
		rec.IssueDate.Format("20060102") +
		rec.Taxation +
		rec.Status +
		iss +
		decimal.PaddedCents(rec.ServiceAmount, 15) +
		decimal.PaddedCents(rec.DeductionAmount, 15) +
		padLeft(rec.ServiceCode, 5, '0') +
		indicator +
		padLeft(id, 14, '0')
}

// CancelSignatureString returns the string signed into AssinaturaCancelamento
func CancelSignatureString(registration, invoiceNumber string) string {
	return padLeft(Alphanumeric(registration), 8, '0') + padLeft(invoiceNumber, 12, '0')
}

func (b *Builder) signFields(tbs string) (string, error) {
	if b.signer == nil {
		return "", model.NewSigningError(model.SignCodeKeyUnavailable, "no field signer configured", nil)
	}
	return b.signer.SignFields(tbs)
}

// cabecalho writes the common header with the sender CNPJ
func cabecalho(root *etree.Element, cnpj string) *etree.Element {
	header := unqualified(root, "Cabecalho")
	header.CreateAttr("Versao", "1")
	taxID(header, "CPFCNPJRemetente", cnpj, TaxIDCNPJ)
	return header
}

// writeRPS appends one RPS element in the authority's element order to the document root
func (b *Builder) writeRPS(parent *etree.Element, registration string, rec normalized) error {
	assinatura, err := b.signFields(RPSSignatureString(registration, rec.InvoiceRecord))
	if err != nil {
		return err
	}

	rps := unqualified(parent, "RPS")
	text(rps, "Assinatura", assinatura)

	key := rps.CreateElement("ChaveRPS")
	text(key, "InscricaoPrestador", registration)
	text(key, "SerieRPS", rec.Series)
	text(key, "NumeroRPS", rec.Number)

	text(rps, "TipoRPS", rec.Type)
	text(rps, "DataEmissao", rec.IssueDate.Format(dateLayout))
	text(rps, "StatusRPS", rec.Status)
	text(rps, "TributacaoRPS", rec.Taxation)
	text(rps, "ValorServicos", decimal.FormatMoney(rec.ServiceAmount))
	text(rps, "ValorDeducoes", decimal.FormatMoney(rec.DeductionAmount))
	text(rps, "CodigoServico", rec.ServiceCode)
	text(rps, "AliquotaServicos", decimal.FormatRate(rec.TaxRate))
	text(rps, "ISSRetido", strconv.FormatBool(rec.ISSWithheld))
	taxID(rps, "CPFCNPJTomador", rec.payerID, rec.payerKind)
	if rec.Payer.Name != "" {
		text(rps, "RazaoSocialTomador", rec.Payer.Name)
	}
	if rec.Payer.Email != "" {
		text(rps, "EmailTomador", rec.Payer.Email)
	}
	text(rps, "Discriminacao", rec.Description)
	return nil
}

// SubmitRPS builds a PedidoEnvioRPS carrying a single RPS
func (b *Builder) SubmitRPS(record model.InvoiceRecord) (*model.UnsignedDocument, error) {
	verr := &model.ValidationError{}
	cnpj, registration := b.checkIdentity(verr)
	rec := b.normalize(record)
	verr.Merge("", validateRecord(rec))
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	doc, root := newDocument("PedidoEnvioRPS", NamespaceNFe)
	cabecalho(root, cnpj)

	if err := b.writeRPS(root, registration, rec); err != nil {
		return nil, err
	}

	return finish(doc, model.OpSubmit, model.FamilyRPS, NamespaceNFe)
}

// SubmitRPSBatch builds a PedidoEnvioLoteRPS. Count, totals and the date
// range in the header are derived from the records. test selects the
// TesteEnvioLoteRPS operation, which shares the layout.
func (b *Builder) SubmitRPSBatch(batch model.BatchRecord, test bool) (*model.UnsignedDocument, error) {
	verr := &model.ValidationError{}
	cnpj, registration := b.checkIdentity(verr)
	records, totals := b.prepareBatch(batch, verr)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	doc, root := newDocument("PedidoEnvioLoteRPS", NamespaceNFe)
	header := cabecalho(root, cnpj)
	text(header, "transacao", strconv.FormatBool(batch.Transaction))
	text(header, "dtInicio", totals.start.Format(dateLayout))
	text(header, "dtFim", totals.end.Format(dateLayout))
	text(header, "QtdRPS", strconv.Itoa(totals.count))
	text(header, "ValorTotalServicos", totals.services)
	text(header, "ValorTotalDeducoes", totals.deductions)

	for _, rec := range records {
		if err := b.writeRPS(root, registration, rec); err != nil {
			return nil, err
		}
	}

	op := model.OpSubmitBatch
	if test {
		op = model.OpTestBatch
	}
	return finish(doc, op, model.FamilyRPS, NamespaceNFe)
}

// InquireNFe builds a PedidoConsultaNFe for one issued invoice. The
// verification code is optional and is sanitized before insertion.
func (b *Builder) InquireNFe(invoiceNumber, verificationCode string) (*model.UnsignedDocument, error) {
	verr := &model.ValidationError{}
	cnpj, registration := b.checkIdentity(verr)
	number := checkNumber(verr, "invoice_number", invoiceNumber)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	doc, root := newDocument("PedidoConsultaNFe", NamespaceNFe)
	cabecalho(root, cnpj)
	detail := unqualified(root, "Detalhe")
	chaveNFe(detail, registration, number, VerificationCode(verificationCode))

	return finish(doc, model.OpInquire, model.FamilyRPS, NamespaceNFe)
}

// InquireRPSBatch builds a PedidoConsultaLote
func (b *Builder) InquireRPSBatch(batchNumber string) (*model.UnsignedDocument, error) {
	verr := &model.ValidationError{}
	cnpj, _ := b.checkIdentity(verr)
	number := checkNumber(verr, "batch_number", batchNumber)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	doc, root := newDocument("PedidoConsultaLote", NamespaceNFe)
	header := cabecalho(root, cnpj)
	text(header, "NumeroLote", number)

	return finish(doc, model.OpInquireBatch, model.FamilyRPS, NamespaceNFe)
}

// RPSBatchInfo builds a PedidoInformacoesLote. An empty batch number asks
// for the most recent batch.
func (b *Builder) RPSBatchInfo(batchNumber string) (*model.UnsignedDocument, error) {
	verr := &model.ValidationError{}
	cnpj, registration := b.checkIdentity(verr)
	number := Alphanumeric(batchNumber)
	if number != "" && !isDigits(number) {
		verr.Add("batch_number", batchNumber, "digits", "batch number must be numeric")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	doc, root := newDocument("PedidoInformacoesLote", NamespaceNFe)
	header := cabecalho(root, cnpj)
	if number != "" {
		text(header, "NumeroLote", number)
	}
	text(header, "InscricaoPrestador", registration)

	return finish(doc, model.OpBatchInfo, model.FamilyRPS, NamespaceNFe)
}

// CancelNFe builds a PedidoCancelamentoNFe with its AssinaturaCancelamento
func (b *Builder) CancelNFe(invoiceNumber, verificationCode string) (*model.UnsignedDocument, error) {
	verr := &model.ValidationError{}
	cnpj, registration := b.checkIdentity(verr)
	number := checkNumber(verr, "invoice_number", invoiceNumber)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	assinatura, err := b.signFields(CancelSignatureString(registration, number))
	if err != nil {
		return nil, err
	}

	doc, root := newDocument("PedidoCancelamentoNFe", NamespaceNFe)
	header := cabecalho(root, cnpj)
	text(header, "transacao", "true")
	detail := unqualified(root, "Detalhe")
	chaveNFe(detail, registration, number, VerificationCode(verificationCode))
	text(detail, "AssinaturaCancelamento", assinatura)

	return finish(doc, model.OpCancel, model.FamilyRPS, NamespaceNFe)
}

// InquireTaxpayer builds a PedidoConsultaCNPJ for a CPF or CNPJ
func (b *Builder) InquireTaxpayer(taxpayerID string) (*model.UnsignedDocument, error) {
	verr := &model.ValidationError{}
	cnpj, _ := b.checkIdentity(verr)
	id, kind := ClassifyTaxID(taxpayerID)
	switch {
	case id == "":
		verr.Add("tax_id", nil, "required", "taxpayer CPF or CNPJ is required")
	case kind == TaxIDNone:
		verr.Add("tax_id", taxpayerID, "cpf|cnpj", "taxpayer identifier must have 11 (CPF) or 14 (CNPJ) characters")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	doc, root := newDocument("PedidoConsultaCNPJ", NamespaceNFe)
	cabecalho(root, cnpj)
	contribuinte := unqualified(root, "CNPJContribuinte")
	text(contribuinte, string(kind), id)

	return finish(doc, model.OpInquireTaxpayer, model.FamilyRPS, NamespaceNFe)
}

func chaveNFe(parent *etree.Element, registration, number, code string) {
	key := parent.CreateElement("ChaveNFe")
	text(key, "InscricaoPrestador", registration)
	text(key, "NumeroNFe", number)
	if code != "" {
		text(key, "CodigoVerificacao", code)
	}
}

// checkNumber validates a numeric identifier of up to 12 digits
func checkNumber(verr *model.ValidationError, field, value string) string {
	number := Alphanumeric(value)
	switch {
	case number == "":
		verr.Add(field, nil, "required", field+" is required")
	case !isDigits(number) || len(number) > 12:
		verr.Add(field, value, "digits<=12", field+" must have up to 12 digits")
	}
	return number
}
