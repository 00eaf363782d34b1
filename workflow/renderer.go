package workflow

import (
	"bytes"
	"fmt"

	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/xuri/excelize/v2"
)

const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// RenderedDocument is a rendered certificate artifact.
type RenderedDocument struct {
	Data        []byte
	ContentType string
	Extension   string
}

// Renderer turns a certificate snapshot into a document.
type Renderer interface {
	Render(data *CertificateData) (*RenderedDocument, error)
}

// ExcelExporter rows are written one cell per value.
type ExcelExporter interface {
	GetCellValues() []interface{}
}

// SpreadsheetRenderer renders an EN 10204 certificate as an xlsx workbook.
type SpreadsheetRenderer struct{}

const certificateSheet = "Certificate"

func (SpreadsheetRenderer) Render(data *CertificateData) (*RenderedDocument, error) {
	if data == nil {
		return nil, fmt.Errorf("nothing to render")
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", certificateSheet); err != nil {
		return nil, err
	}

	heat := data.PrimaryHeat()
	header := [][2]interface{}{
		{"Inspection Certificate", "EN 10204 " + string(data.TcType)},
		{"Certificate No", data.CertificateNumber},
		{"Version", data.Version},
		{"Issue Date", data.IssueDate.Format("2006-01-02")},
		{"Plant", data.PlantName},
		{"Plant Location", data.PlantLocation},
		{"Customer", data.CustomerName},
		{"PO Number", data.PoNumber},
		{"Work Order", data.WoNumber},
		{"Item", data.ItemCode},
		{"Description", data.ItemDescription},
		{"Quantity", data.Quantity.String() + " " + data.Unit},
		{"Standard", data.StandardName},
		{"Heat Number", heat.HeatNumber},
		{"Supplier", heat.SupplierName},
		{"Material Grade", heat.MaterialGrade},
		{"Allocated Quantity", data.AllocatedQuantity.String()},
	}
	row := 1
	for _, kv := range header {
		if err := setRow(f, certificateSheet, row, kv[0], kv[1]); err != nil {
			return nil, err
		}
		row++
	}

	if len(data.Heats) > 1 {
		row++
		if err := setRow(f, certificateSheet, row, "Heat", "Supplier", "Grade", "Allocated"); err != nil {
			return nil, err
		}
		row++
		for _, h := range data.Heats {
			if err := setRow(f, certificateSheet, row, h.HeatNumber, h.SupplierName, h.MaterialGrade, h.AllocatedQuantity.String()); err != nil {
				return nil, err
			}
			row++
		}
	}

	row++
	if err := setRow(f, certificateSheet, row, "Parameter", "Category", "Unit", "Min", "Max", "Observed", "Result"); err != nil {
		return nil, err
	}
	row++
	for _, p := range data.Parameters {
		result := string(p.ValidationStatus)
		if p.OverrideReason != "" {
			result += " (" + p.OverrideReason + ")"
		}
		if err := setRow(f, certificateSheet, row, p.ParameterName, string(p.Category), p.Unit,
			utils.FormatDecimalPtr(p.MinValue), utils.FormatDecimalPtr(p.MaxValue), p.ObservedValue.String(), result); err != nil {
			return nil, err
		}
		row++
	}

	row++
	if err := setRow(f, certificateSheet, row, "Prepared By", data.PreparedByName); err != nil {
		return nil, err
	}
	if err := setRow(f, certificateSheet, row+1, "Approved By", data.ApprovedByName); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return &RenderedDocument{Data: buf.Bytes(), ContentType: ContentTypeXLSX, Extension: ".xlsx"}, nil
}

func setRow(f *excelize.File, sheet string, rowNo int, values ...interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNo)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

// exportExcel writes one sheet with headings and one row per exporter.
func exportExcel(sheetName string, data []ExcelExporter, headings ...string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}

	head := make([]interface{}, len(headings))
	for i, h := range headings {
		head[i] = h
	}
	if err := setRow(f, sheetName, 1, head...); err != nil {
		return nil, err
	}
	rowNo := 2
	for _, d := range data {
		if err := setRow(f, sheetName, rowNo, d.GetCellValues()...); err != nil {
			return nil, err
		}
		rowNo++
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
