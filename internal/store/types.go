package store

import "encoding/xml"

// Part records one committed multipart part. Part numbers start at 1 and form
// a gap-free ascending sequence at completion time.
type Part struct {
	Number int
	ETag   string
}

// initiateMultipartUploadResult is the store's response to POST ?uploads.
type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// completeMultipartUpload is the XML body of POST ?uploadId.
type completeMultipartUpload struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []completePart `xml:"Part"`
}

type completePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}
