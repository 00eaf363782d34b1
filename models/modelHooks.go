package models

import "gorm.io/gorm"

func (h *Heat) BeforeCreate(tx *gorm.DB) error {
	stampCreate(tx)
	return nil
}

func (h *Heat) BeforeUpdate(tx *gorm.DB) error {
	stampUpdate(tx)
	return nil
}

func (m *InventoryMovement) BeforeCreate(tx *gorm.DB) error {
	stampCreate(tx)
	return nil
}

func (w *WorkOrder) BeforeCreate(tx *gorm.DB) error {
	stampCreate(tx)
	return nil
}

func (w *WorkOrder) BeforeUpdate(tx *gorm.DB) error {
	stampUpdate(tx)
	return nil
}

func (p *PurchaseOrder) BeforeCreate(tx *gorm.DB) error {
	stampCreate(tx)
	return nil
}

func (l *LabResult) BeforeCreate(tx *gorm.DB) error {
	stampCreate(tx)
	return nil
}

func (l *LabResult) BeforeUpdate(tx *gorm.DB) error {
	stampUpdate(tx)
	return nil
}

func (p *LabResultParameter) BeforeCreate(tx *gorm.DB) error {
	stampCreate(tx)
	return nil
}

func (p *LabResultParameter) BeforeUpdate(tx *gorm.DB) error {
	stampUpdate(tx)
	return nil
}

func (c *TestCertificate) BeforeCreate(tx *gorm.DB) error {
	stampCreate(tx)
	return nil
}

func (c *TestCertificate) BeforeUpdate(tx *gorm.DB) error {
	stampUpdate(tx)
	return nil
}

func (v *TestCertificateVersion) BeforeCreate(tx *gorm.DB) error {
	stampCreate(tx)
	return nil
}

// versions are append-only
func (v *TestCertificateVersion) BeforeUpdate(tx *gorm.DB) error {
	return errImmutableRecord
}

func (v *TestCertificateVersion) BeforeDelete(tx *gorm.DB) error {
	return errImmutableRecord
}

// override logs are append-only
func (o *OverrideLog) BeforeUpdate(tx *gorm.DB) error {
	return errImmutableRecord
}

func (o *OverrideLog) BeforeDelete(tx *gorm.DB) error {
	return errImmutableRecord
}
