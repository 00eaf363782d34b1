package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
)

type certificateRegisterRow struct {
	*models.CertificateListing
}

func (r certificateRegisterRow) GetCellValues() []interface{} {
	generated := ""
	if r.GeneratedAt != nil {
		generated = r.GeneratedAt.Format("2006-01-02 15:04")
	}
	return []interface{}{
		r.CertificateNumber,
		r.WoNumber,
		utils.DereferencePtr(r.ItemCode, ""),
		utils.DereferencePtr(r.CustomerName, ""),
		utils.DereferencePtr(r.PoNumber, ""),
		string(r.TcType),
		r.Status,
		r.CurrentVersion,
		generated,
		utils.DereferencePtr(r.DocumentUrl, ""),
	}
}

// ExportCertificateRegister returns the plant's certificate listing as an xlsx workbook.
func ExportCertificateRegister(ctx context.Context) ([]byte, error) {
	listing, err := models.ListCertificates(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]ExcelExporter, 0, len(listing))
	for _, l := range listing {
		rows = append(rows, certificateRegisterRow{l})
	}
	return exportExcel("Certificates", rows,
		"Certificate No", "Work Order", "Item", "Customer", "PO Number", "Type", "Status", "Version", "Generated At", "Document")
}
