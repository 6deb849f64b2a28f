// Comfypanel is a small control panel for image generation on a ComfyUI backend.
// It builds the node graph for the selected checkpoint family, queues it, follows the
// job over the backend websocket or by polling, and keeps the resulting images for
// display. The panel server lives in panel, the job loop in generate and the backend
// client in client.
package comfypanel
