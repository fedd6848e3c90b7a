package main

const (
	MsgHealthy = "Vision API is running. POST an image to /detect/ to test."

	MsgInvalidFileType = "Invalid file type. Please upload JPEG or PNG."

	MsgInvalidImageData = "Invalid image data."

	MsgFileRequired = "Field 'file' is required."

	MsgFileTooLarge = "Uploaded file is too large."

	MsgInferenceFailed = "Inference failed."
)

const MsgMalformedBody = "There was an error parsing the body."
